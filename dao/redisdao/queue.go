package redisdao

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/bcmapp/groupdispatch/dao"
)

const (
	groupMsgListKey      = "group_msg_list"
	groupMultiMsgListKey = "group_multi_msg_list"
	groupActiveKey       = "group_active"
)

func groupUserInfoKey(gid string) string { return "group_user_info:" + gid }

// Queue implements dao.OfflineQueueDAO across a set of named Redis
// shards, one *redis.Client per shard (spec.md §4.6, §6).
type Queue struct {
	shards map[string]*redis.Client
}

// NewQueue constructs a Queue over the given named shard clients.
func NewQueue(shards map[string]*redis.Client) *Queue {
	return &Queue{shards: shards}
}

func (q *Queue) client(shard string) (*redis.Client, error) {
	c, ok := q.shards[shard]
	if !ok {
		return nil, fmt.Errorf("redisdao: unknown shard %q", shard)
	}
	return c, nil
}

// ActiveShards implements dao.OfflineQueueDAO.
func (q *Queue) ActiveShards(ctx context.Context) ([]string, error) {
	var active []string
	for name, c := range q.shards {
		n, err := c.Exists(ctx, groupActiveKey).Result()
		if err != nil {
			return nil, fmt.Errorf("redisdao: check group_active on shard %q: %w", name, err)
		}
		if n > 0 {
			active = append(active, name)
		}
	}
	return active, nil
}

// ScanMsgList implements dao.OfflineQueueDAO, paging group_msg_list with
// ZRANGEBYSCORE in pageSize chunks (spec.md §4.6 step 1: "Scan in pages
// of 100").
func (q *Queue) ScanMsgList(ctx context.Context, shard string, minScore, maxScore int64, pageSize int) ([]dao.ScanRow, error) {
	c, err := q.client(shard)
	if err != nil {
		return nil, err
	}
	if pageSize <= 0 {
		pageSize = 100
	}

	var rows []dao.ScanRow
	var offset int64
	for {
		results, err := c.ZRangeByScoreWithScores(ctx, groupMsgListKey, &redis.ZRangeBy{
			Min:    strconv.FormatInt(minScore, 10),
			Max:    strconv.FormatInt(maxScore, 10),
			Offset: offset,
			Count:  int64(pageSize),
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("redisdao: ZRANGEBYSCORE group_msg_list: %w", err)
		}
		for _, z := range results {
			member, _ := z.Member.(string)
			rows = append(rows, dao.ScanRow{Member: member, Score: int64(z.Score)})
		}
		if len(results) < pageSize {
			return rows, nil
		}
		offset += int64(pageSize)
	}
}

// RemoveMsgListMembers implements dao.OfflineQueueDAO.
func (q *Queue) RemoveMsgListMembers(ctx context.Context, shard string, members []string) error {
	if len(members) == 0 {
		return nil
	}
	c, err := q.client(shard)
	if err != nil {
		return err
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := c.ZRem(ctx, groupMsgListKey, args...).Err(); err != nil {
		return fmt.Errorf("redisdao: ZREM group_msg_list: %w", err)
	}
	return nil
}

// multicastValue is the JSON encoding stored in one group_multi_msg_list
// hash field (spec.md §6: "value = serialized {fromUid, members[]}").
type multicastValue struct {
	FromUID string   `json:"fromUid"`
	Members []string `json:"members"`
}

// GetMulticastEntries implements dao.OfflineQueueDAO.
func (q *Queue) GetMulticastEntries(ctx context.Context, shard string, fields []string) (map[string]dao.MulticastEntry, error) {
	if len(fields) == 0 {
		return map[string]dao.MulticastEntry{}, nil
	}
	c, err := q.client(shard)
	if err != nil {
		return nil, err
	}
	vals, err := c.HMGet(ctx, groupMultiMsgListKey, fields...).Result()
	if err != nil {
		return nil, fmt.Errorf("redisdao: HMGET group_multi_msg_list: %w", err)
	}
	out := make(map[string]dao.MulticastEntry, len(fields))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok || s == "" {
			continue
		}
		var mv multicastValue
		if err := json.Unmarshal([]byte(s), &mv); err != nil {
			continue
		}
		out[fields[i]] = dao.MulticastEntry{FromUID: mv.FromUID, Members: mv.Members}
	}
	return out, nil
}

// DeleteMulticastEntries implements dao.OfflineQueueDAO.
func (q *Queue) DeleteMulticastEntries(ctx context.Context, shard string, fields []string) error {
	if len(fields) == 0 {
		return nil
	}
	c, err := q.client(shard)
	if err != nil {
		return err
	}
	if err := c.HDel(ctx, groupMultiMsgListKey, fields...).Err(); err != nil {
		return fmt.Errorf("redisdao: HDEL group_multi_msg_list: %w", err)
	}
	return nil
}

// cursorValue is the JSON encoding of one group_user_info:{gid} hash
// field (spec.md §6: "at minimum: lastMid, push tokens, version, OS
// info").
type cursorValue struct {
	LastMid      uint64 `json:"lastMid"`
	APNSID       string `json:"apnsId,omitempty"`
	APNSType     string `json:"apnsType,omitempty"`
	VoipApnID    string `json:"voipApnId,omitempty"`
	FCMID        string `json:"fcmId,omitempty"`
	UmengID      string `json:"umengId,omitempty"`
	OSType       string `json:"osType,omitempty"`
	OSVersion    string `json:"osVersion,omitempty"`
	PhoneModel   string `json:"phoneModel,omitempty"`
	BCMBuildCode int    `json:"bcmBuildCode,omitempty"`
}

func toCursorValue(c dao.UserCursor) cursorValue {
	return cursorValue{
		LastMid: c.LastMid, APNSID: c.APNSID, APNSType: c.APNSType, VoipApnID: c.VoipApnID,
		FCMID: c.FCMID, UmengID: c.UmengID, OSType: c.OSType, OSVersion: c.OSVersion,
		PhoneModel: c.PhoneModel, BCMBuildCode: c.BCMBuildCode,
	}
}

func fromCursorValue(v cursorValue) dao.UserCursor {
	return dao.UserCursor{
		LastMid: v.LastMid, APNSID: v.APNSID, APNSType: v.APNSType, VoipApnID: v.VoipApnID,
		FCMID: v.FCMID, UmengID: v.UmengID, OSType: v.OSType, OSVersion: v.OSVersion,
		PhoneModel: v.PhoneModel, BCMBuildCode: v.BCMBuildCode,
	}
}

// GetUserCursors implements dao.OfflineQueueDAO.
func (q *Queue) GetUserCursors(ctx context.Context, shard, gid string, uids []string) (map[string]dao.UserCursor, error) {
	if len(uids) == 0 {
		return map[string]dao.UserCursor{}, nil
	}
	c, err := q.client(shard)
	if err != nil {
		return nil, err
	}
	vals, err := c.HMGet(ctx, groupUserInfoKey(gid), uids...).Result()
	if err != nil {
		return nil, fmt.Errorf("redisdao: HMGET group_user_info:%s: %w", gid, err)
	}
	out := make(map[string]dao.UserCursor, len(uids))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok || s == "" {
			continue
		}
		var cv cursorValue
		if err := json.Unmarshal([]byte(s), &cv); err != nil {
			continue
		}
		out[uids[i]] = fromCursorValue(cv)
	}
	return out, nil
}

// ScanUserCursors implements dao.OfflineQueueDAO, HSCANning the full hash
// in pageSize pages (spec.md §4.6 step 4: "HSCAN the full hash in pages
// of 200").
func (q *Queue) ScanUserCursors(ctx context.Context, shard, gid string, pageSize int) (map[string]dao.UserCursor, error) {
	c, err := q.client(shard)
	if err != nil {
		return nil, err
	}
	if pageSize <= 0 {
		pageSize = 200
	}

	out := make(map[string]dao.UserCursor)
	var cursor uint64
	for {
		keys, next, err := c.HScan(ctx, groupUserInfoKey(gid), cursor, "", int64(pageSize)).Result()
		if err != nil {
			return nil, fmt.Errorf("redisdao: HSCAN group_user_info:%s: %w", gid, err)
		}
		for i := 0; i+1 < len(keys); i += 2 {
			var cv cursorValue
			if err := json.Unmarshal([]byte(keys[i+1]), &cv); err != nil {
				continue
			}
			out[keys[i]] = fromCursorValue(cv)
		}
		cursor = next
		if cursor == 0 {
			return out, nil
		}
	}
}

// SetUserCursors implements dao.OfflineQueueDAO.
func (q *Queue) SetUserCursors(ctx context.Context, shard, gid string, cursors map[string]dao.UserCursor) error {
	if len(cursors) == 0 {
		return nil
	}
	c, err := q.client(shard)
	if err != nil {
		return err
	}
	fields := make(map[string]interface{}, len(cursors))
	for uid, cur := range cursors {
		encoded, err := json.Marshal(toCursorValue(cur))
		if err != nil {
			return fmt.Errorf("redisdao: marshal cursor for %s: %w", uid, err)
		}
		fields[uid] = encoded
	}
	if err := c.HSet(ctx, groupUserInfoKey(gid), fields).Err(); err != nil {
		return fmt.Errorf("redisdao: HMSET group_user_info:%s: %w", gid, err)
	}
	return nil
}

// DeleteUserCursor implements dao.OfflineQueueDAO.
func (q *Queue) DeleteUserCursor(ctx context.Context, shard, gid, uid string) error {
	c, err := q.client(shard)
	if err != nil {
		return err
	}
	if err := c.HDel(ctx, groupUserInfoKey(gid), uid).Err(); err != nil {
		return fmt.Errorf("redisdao: HDEL group_user_info:%s: %w", gid, err)
	}
	return nil
}
