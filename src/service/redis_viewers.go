package service

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisViewers keeps viewer sets in Redis so that every relay instance
// behind the bridge reports the same active users.
//
// Keys, under prefix:
//
//	viewers:{note}          set of user ids
//	viewers:{note}:{user}   set of client ids
//	client:{client}         set of "{note}|{user}"
type RedisViewers struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisViewers creates a viewer set on rdb.
func NewRedisViewers(rdb *redis.Client, prefix string) *RedisViewers {
	return &RedisViewers{rdb: rdb, prefix: prefix}
}

func (v *RedisViewers) noteKey(noteID string) string { return v.prefix + "viewers:" + noteID }

func (v *RedisViewers) userKey(noteID, userID string) string {
	return v.prefix + "viewers:" + noteID + ":" + userID
}

func (v *RedisViewers) clientKey(clientID string) string { return v.prefix + "client:" + clientID }

func (v *RedisViewers) Join(ctx context.Context, noteID, userID, clientID string) (bool, error) {
	var added *redis.IntCmd
	_, err := v.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SAdd(ctx, v.userKey(noteID, userID), clientID)
		added = p.SAdd(ctx, v.noteKey(noteID), userID)
		p.SAdd(ctx, v.clientKey(clientID), noteID+"|"+userID)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("join %s: %w", noteID, err)
	}
	return added.Val() == 1, nil
}

func (v *RedisViewers) Leave(ctx context.Context, noteID, userID, clientID string) (bool, error) {
	if err := v.rdb.SRem(ctx, v.clientKey(clientID), noteID+"|"+userID).Err(); err != nil {
		return false, fmt.Errorf("leave %s: %w", noteID, err)
	}
	return v.leave(ctx, noteID, userID, clientID)
}

func (v *RedisViewers) leave(ctx context.Context, noteID, userID, clientID string) (bool, error) {
	removed, err := v.rdb.SRem(ctx, v.userKey(noteID, userID), clientID).Result()
	if err != nil {
		return false, fmt.Errorf("leave %s: %w", noteID, err)
	}
	if removed == 0 {
		return false, nil
	}
	left, err := v.rdb.SCard(ctx, v.userKey(noteID, userID)).Result()
	if err != nil {
		return false, fmt.Errorf("leave %s: %w", noteID, err)
	}
	if left > 0 {
		return false, nil
	}
	if err := v.rdb.SRem(ctx, v.noteKey(noteID), userID).Err(); err != nil {
		return false, fmt.Errorf("leave %s: %w", noteID, err)
	}
	return true, nil
}

func (v *RedisViewers) Viewing(ctx context.Context, noteID, userID string) (bool, error) {
	ok, err := v.rdb.SIsMember(ctx, v.noteKey(noteID), userID).Result()
	if err != nil {
		return false, fmt.Errorf("viewing %s: %w", noteID, err)
	}
	return ok, nil
}

func (v *RedisViewers) Users(ctx context.Context, noteID string) ([]string, error) {
	ids, err := v.rdb.SMembers(ctx, v.noteKey(noteID)).Result()
	if err != nil {
		return nil, fmt.Errorf("users %s: %w", noteID, err)
	}
	sort.Strings(ids)
	return ids, nil
}

func (v *RedisViewers) DropClient(ctx context.Context, clientID string) ([]Departure, error) {
	views, err := v.rdb.SMembers(ctx, v.clientKey(clientID)).Result()
	if err != nil {
		return nil, fmt.Errorf("drop %s: %w", clientID, err)
	}
	var gone []Departure
	for _, view := range views {
		noteID, userID, ok := strings.Cut(view, "|")
		if !ok {
			continue
		}
		last, err := v.leave(ctx, noteID, userID, clientID)
		if err != nil {
			return gone, err
		}
		if last {
			gone = append(gone, Departure{NoteID: noteID, UserID: userID})
		}
	}
	if err := v.rdb.Del(ctx, v.clientKey(clientID)).Err(); err != nil {
		return gone, fmt.Errorf("drop %s: %w", clientID, err)
	}
	sortDepartures(gone)
	return gone, nil
}
