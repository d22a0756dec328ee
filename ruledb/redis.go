package ruledb

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mbrt/rres/bandwidth"
)

// keyPrefix namespaces every key this package writes, mirroring
// TenantKey's "fluxforge:tenants:..." convention but for a single,
// un-tenanted rule administration.
const keyPrefix = "rres:rules:"

func levelKey(level int) string { return keyPrefix + "level:" + strconv.Itoa(level) }
func userKey(uid int) string    { return keyPrefix + "user:" + strconv.Itoa(uid) }
func groupKey(gid int) string   { return keyPrefix + "group:" + strconv.Itoa(gid) }
func spareKey() string          { return keyPrefix + "spare" }

// RedisRuleStore implements RuleStore over a Redis connection,
// adapted from control_plane/store/redis.go's RedisStore: JSON-encode
// each rule under a namespaced key, SCAN the namespace to reload.
type RedisRuleStore struct {
	client *redis.Client
}

// NewRedisRuleStore connects to addr and verifies reachability before
// returning, the same fail-fast shape as NewRedisStore.
func NewRedisRuleStore(addr, password string, db int) (*RedisRuleStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ruledb: connect to redis: %w", err)
	}
	return &RedisRuleStore{client: client}, nil
}

func (s *RedisRuleStore) SaveLevelRule(ctx context.Context, rule LevelRule) error {
	data, err := json.Marshal(rule)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, levelKey(rule.Level), data, 0).Err()
}

func (s *RedisRuleStore) SaveUserConstraint(ctx context.Context, rule ConstraintRule) error {
	data, err := json.Marshal(rule)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, userKey(rule.Key), data, 0).Err()
}

func (s *RedisRuleStore) SaveGroupConstraint(ctx context.Context, rule ConstraintRule) error {
	data, err := json.Marshal(rule)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, groupKey(rule.Key), data, 0).Err()
}

func (s *RedisRuleStore) SaveSpareBW(ctx context.Context, bw uint64) error {
	return s.client.Set(ctx, spareKey(), strconv.FormatUint(bw, 10), 0).Err()
}

// LoadRules scans the rres:rules: namespace and reconstructs a
// RuleSet. Levels and constraints are returned in the order SCAN yields
// their keys, which is neither sorted nor the order they were written;
// since ruledb.ApplyTo replays group/user constraints in order and the
// Supervisor's last-added-wins semantics depend on insertion order,
// callers that need a specific override order should not rely on
// Redis's SCAN ordering across writes from multiple processes.
func (s *RedisRuleStore) LoadRules(ctx context.Context) (RuleSet, error) {
	var rs RuleSet

	iter := s.client.Scan(ctx, 0, keyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		data, err := s.client.Get(ctx, key).Bytes()
		if err != nil {
			continue
		}
		switch {
		case key == spareKey():
			bw, err := strconv.ParseUint(string(data), 10, 64)
			if err == nil {
				rs.SpareBw = bandwidth.Bw(bw)
			}
		case strings.HasPrefix(key, keyPrefix+"level:"):
			var lr LevelRule
			if json.Unmarshal(data, &lr) == nil {
				rs.Levels = append(rs.Levels, lr)
			}
		case strings.HasPrefix(key, keyPrefix+"user:"):
			var cr ConstraintRule
			if json.Unmarshal(data, &cr) == nil {
				rs.UserConstraints = append(rs.UserConstraints, cr)
			}
		case strings.HasPrefix(key, keyPrefix+"group:"):
			var cr ConstraintRule
			if json.Unmarshal(data, &cr) == nil {
				rs.GroupConstraints = append(rs.GroupConstraints, cr)
			}
		}
	}
	if err := iter.Err(); err != nil {
		return RuleSet{}, fmt.Errorf("ruledb: scan rules: %w", err)
	}
	return rs, nil
}
