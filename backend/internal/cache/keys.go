package cache

import "fmt"

// 键语义：
// - roomKey(domainID):              Domain 在线参与者（ZSet<userId, expireAtUnix>，score=expireAt）
// - namesKey(domainID):             userId→username（Hash）
// - locationKey(domainID, userID):  参与者位置与编辑状态 JSON（String，带 TTL）
// - domainsKey():                   有在线参与者的 Domain 索引（Set<domainID>）
//
// 同一 Domain 的键共用 {id:...} hash tag，集群模式下 Lua 脚本的多个键落在同一个槽

const (
	keyRoomFmt     = "presence:domain:{id:%s}"
	keyNamesFmt    = "presence:domain:names:{id:%s}"
	keyLocationFmt = "presence:location:{id:%s}:%s"
	keyDomainsSet  = "presence:domains"
)

func roomKey(domainID string) string { return fmt.Sprintf(keyRoomFmt, domainID) }

func namesKey(domainID string) string { return fmt.Sprintf(keyNamesFmt, domainID) }

func locationKey(domainID, userID string) string {
	return fmt.Sprintf(keyLocationFmt, domainID, userID)
}

func domainsKey() string { return keyDomainsSet }
