package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	logx "onairbot/pkg/logx"
)

// fileDoc is the on-disk JSON shape. Map keys are strings because of JSON;
// chat ids round-trip through strconv.
type fileDoc struct {
	Subscriptions map[string][]string `json:"subscriptions"`
	Destinations  map[string][]int64  `json:"destinations"`
	LastLive      map[string]string   `json:"last_live"`
	LastLiveAt    map[string]string   `json:"last_live_at"`
	CooldownUntil map[string]string   `json:"cooldown_until"`
}

func newFileDoc() fileDoc {
	return fileDoc{
		Subscriptions: map[string][]string{},
		Destinations:  map[string][]int64{},
		LastLive:      map[string]string{},
		LastLiveAt:    map[string]string{},
		CooldownUntil: map[string]string{},
	}
}

type fileStore struct {
	log  logx.Logger
	path string

	mu  sync.RWMutex
	doc fileDoc
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{log: log, path: path, doc: newFileDoc()}

	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// fresh start
	case err != nil:
		return nil, err
	default:
		var doc fileDoc
		if uerr := json.Unmarshal(b, &doc); uerr != nil {
			// Keep the broken file aside instead of overwriting it on the
			// next save, then start empty.
			_ = os.Rename(path, path+".corrupt")
			log.Warn("storage file unreadable, starting empty",
				logx.String("path", path), logx.Err(uerr))
		} else {
			if doc.Subscriptions == nil {
				doc.Subscriptions = map[string][]string{}
			}
			if doc.Destinations == nil {
				doc.Destinations = map[string][]int64{}
			}
			if doc.LastLive == nil {
				doc.LastLive = map[string]string{}
			}
			if doc.LastLiveAt == nil {
				doc.LastLiveAt = map[string]string{}
			}
			if doc.CooldownUntil == nil {
				doc.CooldownUntil = map[string]string{}
			}
			s.doc = doc
		}
	}
	return s, nil
}

func (s *fileStore) Close() error { return nil }

// saveLocked writes the full document atomically. Callers hold s.mu.
func (s *fileStore) saveLocked() error {
	b, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func chatKey(chatID int64) string { return strconv.FormatInt(chatID, 10) }

func (s *fileStore) AddSubscription(ctx context.Context, chatID int64, channelID string) error {
	_ = ctx
	channelID = strings.TrimSpace(channelID)
	if channelID == "" {
		return errors.New("empty channel id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := chatKey(chatID)
	for _, c := range s.doc.Subscriptions[key] {
		if c == channelID {
			return nil
		}
	}
	s.doc.Subscriptions[key] = append(s.doc.Subscriptions[key], channelID)
	return s.saveLocked()
}

func (s *fileStore) RemoveSubscription(ctx context.Context, chatID int64, channelID string) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	key := chatKey(chatID)
	list := s.doc.Subscriptions[key]
	out := list[:0]
	removed := false
	for _, c := range list {
		if c == channelID {
			removed = true
			continue
		}
		out = append(out, c)
	}
	if !removed {
		return false, nil
	}
	if len(out) == 0 {
		delete(s.doc.Subscriptions, key)
	} else {
		s.doc.Subscriptions[key] = out
	}
	return true, s.saveLocked()
}

func (s *fileStore) ListSubscriptions(ctx context.Context, chatID int64) ([]string, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.doc.Subscriptions[chatKey(chatID)]
	out := make([]string, len(list))
	copy(out, list)
	return out, nil
}

func (s *fileStore) SubscribersOf(ctx context.Context, channelID string) ([]int64, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []int64
	for key, channels := range s.doc.Subscriptions {
		for _, c := range channels {
			if c == channelID {
				id, err := strconv.ParseInt(key, 10, 64)
				if err == nil {
					out = append(out, id)
				}
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *fileStore) TrackedChannels(ctx context.Context) ([]string, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := map[string]struct{}{}
	for _, channels := range s.doc.Subscriptions {
		for _, c := range channels {
			set[c] = struct{}{}
		}
	}
	for c, chats := range s.doc.Destinations {
		if len(chats) > 0 {
			set[c] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Strings(out)
	return out, nil
}

func (s *fileStore) AddDestination(ctx context.Context, channelID string, chatID int64) error {
	_ = ctx
	channelID = strings.TrimSpace(channelID)
	if channelID == "" {
		return errors.New("empty channel id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.doc.Destinations[channelID] {
		if id == chatID {
			return nil
		}
	}
	s.doc.Destinations[channelID] = append(s.doc.Destinations[channelID], chatID)
	return s.saveLocked()
}

func (s *fileStore) RemoveDestination(ctx context.Context, channelID string, chatID int64) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.doc.Destinations[channelID]
	out := list[:0]
	removed := false
	for _, id := range list {
		if id == chatID {
			removed = true
			continue
		}
		out = append(out, id)
	}
	if !removed {
		return false, nil
	}
	if len(out) == 0 {
		delete(s.doc.Destinations, channelID)
	} else {
		s.doc.Destinations[channelID] = out
	}
	return true, s.saveLocked()
}

func (s *fileStore) DestinationsOf(ctx context.Context, channelID string) ([]int64, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.doc.Destinations[channelID]
	out := make([]int64, len(list))
	copy(out, list)
	return out, nil
}

func (s *fileStore) ClearDestinations(ctx context.Context, channelID string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.doc.Destinations[channelID]; !ok {
		return nil
	}
	delete(s.doc.Destinations, channelID)
	return s.saveLocked()
}

func (s *fileStore) NotifyState(ctx context.Context, channelID string) (State, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	return State{
		LastVideoID:    s.doc.LastLive[channelID],
		LastNotifiedAt: s.doc.LastLiveAt[channelID],
		CooldownUntil:  s.doc.CooldownUntil[channelID],
	}, nil
}

func (s *fileStore) SetLastBroadcast(ctx context.Context, channelID, videoID string, at time.Time) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.LastLive[channelID] = videoID
	s.doc.LastLiveAt[channelID] = FormatStamp(at)
	return s.saveLocked()
}

func (s *fileStore) SetCooldownUntil(ctx context.Context, channelID string, until time.Time) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.CooldownUntil[channelID] = FormatStamp(until)
	return s.saveLocked()
}
