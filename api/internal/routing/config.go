// Package routing decides which Kafka topic each event type is relayed to.
package routing

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"social-credit-ledger/api/internal/events"
	sharedevents "social-credit-ledger/shared/events"
)

type Config struct {
	DefaultTopic string            `json:"default_topic"`
	TopicMap     map[string]string `json:"topic_map"`
	// Skip lists event types that are never relayed.
	Skip []string `json:"skip"`
}

type Resolver struct {
	Config Config
	skip   map[string]bool
}

// Default relays moderation events to their own topic and everything else
// to the profile events topic.
func Default() Resolver {
	r, _ := build(Config{
		DefaultTopic: sharedevents.TopicProfileEvents,
		TopicMap: map[string]string{
			events.TypeComradeJailed:   sharedevents.TopicModeration,
			events.TypeComradeUnjailed: sharedevents.TopicModeration,
		},
	})
	return r
}

func Load(path string) (Resolver, error) {
	if strings.TrimSpace(path) == "" {
		return Resolver{}, errors.New("routes config path is required")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Resolver{}, fmt.Errorf("read routes config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Resolver{}, fmt.Errorf("parse routes config: %w", err)
	}
	return build(cfg)
}

func build(cfg Config) (Resolver, error) {
	cfg.DefaultTopic = strings.TrimSpace(cfg.DefaultTopic)
	if cfg.DefaultTopic == "" {
		return Resolver{}, errors.New("routes config must define default_topic")
	}
	for eventType, topic := range cfg.TopicMap {
		if !events.KnownType(eventType) {
			return Resolver{}, fmt.Errorf("topic_map references unknown event type %q", eventType)
		}
		if strings.TrimSpace(topic) == "" {
			return Resolver{}, fmt.Errorf("topic for %q must not be empty", eventType)
		}
	}
	skip := make(map[string]bool, len(cfg.Skip))
	for _, eventType := range cfg.Skip {
		if !events.KnownType(eventType) {
			return Resolver{}, fmt.Errorf("skip references unknown event type %q", eventType)
		}
		skip[eventType] = true
	}
	return Resolver{Config: cfg, skip: skip}, nil
}

// ResolveTopic returns false for skipped types.
func (r Resolver) ResolveTopic(eventType string) (string, bool) {
	eventType = strings.TrimSpace(eventType)
	if r.skip[eventType] {
		return "", false
	}
	if v, ok := r.Config.TopicMap[eventType]; ok {
		return strings.TrimSpace(v), true
	}
	return r.Config.DefaultTopic, true
}

// Topics lists every distinct topic a relay may publish to, sorted.
func (r Resolver) Topics() []string {
	seen := map[string]bool{}
	for _, eventType := range events.TypeNames() {
		if topic, ok := r.ResolveTopic(eventType); ok {
			seen[topic] = true
		}
	}
	out := make([]string, 0, len(seen))
	for topic := range seen {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}

// DefaultRoutesPath is configs/<env>.routes.json under the nearest ancestor
// that has a configs directory.
func DefaultRoutesPath(env string) (string, error) {
	root, err := findRepoRoot()
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(env) == "" {
		env = "dev"
	}
	return filepath.Join(root, "configs", env+".routes.json"), nil
}

// LoadOrDefault loads path, or the per-env file when path is empty, and
// falls back to Default when no file exists.
func LoadOrDefault(path string, env string) (Resolver, error) {
	if strings.TrimSpace(path) != "" {
		return Load(path)
	}
	p, err := DefaultRoutesPath(env)
	if err != nil {
		return Default(), nil
	}
	if _, err := os.Stat(p); err != nil {
		return Default(), nil
	}
	return Load(p)
}

func findRepoRoot() (string, error) {
	start, err := os.Getwd()
	if err != nil {
		return "", err
	}
	dir := start
	for i := 0; i < 8; i++ {
		candidate := filepath.Join(dir, "configs")
		if fi, err := os.Stat(candidate); err == nil && fi.IsDir() {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", errors.New("repo root not found")
}
