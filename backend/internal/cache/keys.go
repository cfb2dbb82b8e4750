package cache

import "fmt"

// 键语义：
// - roomKey(objectID):  对象在线成员（ZSet<userId, expireAtUnix>，score=expireAt）
// - namesKey(objectID): 对象内 userId→username 映射（Hash）
// - objectsKey():       有人在线过的对象索引（Set<objectID>）
//
// room 和 names 用同一个 hash tag，cluster 下落在同一个 slot，Lua 脚本可以同时操作

const (
	keyRoomFmt    = "presence:room:{object:%s}"
	keyNamesFmt   = "presence:room:names:{object:%s}"
	keyObjectsSet = "presence:objects"
)

func roomKey(objectID string) string  { return fmt.Sprintf(keyRoomFmt, objectID) }
func namesKey(objectID string) string { return fmt.Sprintf(keyNamesFmt, objectID) }
func objectsKey() string              { return keyObjectsSet }
