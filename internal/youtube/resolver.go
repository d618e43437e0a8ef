package youtube

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	logx "onairbot/pkg/logx"
)

// ErrNotFound means a channel reference could not be resolved to a channel id.
var ErrNotFound = errors.New("channel not found")

// channelURLRe matches youtube.com/channel/<id> and youtube.com/@handle links.
var channelURLRe = regexp.MustCompile(`https?://(www\.)?youtube\.com/(channel/|@)([A-Za-z0-9_\-.]+)`)

// LiveBroadcast describes a currently running live stream.
type LiveBroadcast struct {
	ChannelID    string
	ChannelTitle string // may be empty
	VideoID      string
	VideoTitle   string // may be empty
	StartTime    string // RFC3339 from the API; may be empty
}

// Caller is the API surface the resolver needs. *Client satisfies it.
type Caller interface {
	Call(ctx context.Context, endpoint string, params url.Values) (json.RawMessage, error)
}

// Resolver answers "is this channel live right now" and resolves
// user-entered channel references to canonical channel ids.
type Resolver struct {
	api Caller
	log logx.Logger
}

func NewResolver(api Caller, log logx.Logger) *Resolver {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Resolver{api: api, log: log}
}

// extractChannelHint pulls a channel id or handle out of a youtube.com URL.
func extractChannelHint(text string) string {
	m := channelURLRe.FindStringSubmatch(strings.TrimSpace(text))
	if m == nil {
		return ""
	}
	return m[3]
}

// ResolveChannel turns a channel id, @handle, channel URL or free-text name
// into a canonical channel id. Inputs that already look like a channel id
// ("UC...", >= 20 chars) are returned as-is without a network call.
func (r *Resolver) ResolveChannel(ctx context.Context, raw string) (string, error) {
	hint := extractChannelHint(raw)
	if hint == "" {
		hint = strings.TrimSpace(raw)
	}
	if strings.HasPrefix(hint, "UC") && len(hint) >= 20 {
		return hint, nil
	}

	params := url.Values{}
	params.Set("part", "snippet")
	params.Set("q", hint)
	params.Set("type", "channel")
	params.Set("maxResults", "1")

	body, err := r.api.Call(ctx, "search", params)
	if err != nil {
		if errors.Is(err, ErrUnavailable) {
			return "", fmt.Errorf("%w: %q", ErrNotFound, raw)
		}
		return "", err
	}

	var out struct {
		Items []struct {
			Snippet struct {
				ChannelID string `json:"channelId"`
			} `json:"snippet"`
		} `json:"items"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	if len(out.Items) == 0 || out.Items[0].Snippet.ChannelID == "" {
		return "", fmt.Errorf("%w: %q", ErrNotFound, raw)
	}
	return out.Items[0].Snippet.ChannelID, nil
}

// ChannelTitle looks up a channel's display title.
func (r *Resolver) ChannelTitle(ctx context.Context, channelID string) (string, error) {
	params := url.Values{}
	params.Set("part", "snippet")
	params.Set("id", channelID)

	body, err := r.api.Call(ctx, "channels", params)
	if err != nil {
		return "", err
	}
	var out struct {
		Items []struct {
			Snippet struct {
				Title string `json:"title"`
			} `json:"snippet"`
		} `json:"items"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	if len(out.Items) == 0 {
		return "", fmt.Errorf("%w: %q", ErrNotFound, channelID)
	}
	return out.Items[0].Snippet.Title, nil
}

// LiveNow reports the channel's current live broadcast, or (nil, nil) when the
// channel is not live. API unavailability is also reported as (nil, nil): a
// missed poll cycle, not an error.
func (r *Resolver) LiveNow(ctx context.Context, channelID string) (*LiveBroadcast, error) {
	params := url.Values{}
	params.Set("part", "snippet")
	params.Set("channelId", channelID)
	params.Set("eventType", "live")
	params.Set("type", "video")
	params.Set("maxResults", "1")
	params.Set("order", "date")

	body, err := r.api.Call(ctx, "search", params)
	if err != nil {
		if errors.Is(err, ErrUnavailable) {
			r.log.Debug("live search unavailable", logx.String("channel", channelID), logx.Err(err))
			return nil, nil
		}
		return nil, err
	}

	var search struct {
		Items []struct {
			ID struct {
				VideoID string `json:"videoId"`
			} `json:"id"`
		} `json:"items"`
	}
	if err := json.Unmarshal(body, &search); err != nil {
		return nil, err
	}
	if len(search.Items) == 0 || search.Items[0].ID.VideoID == "" {
		return nil, nil
	}
	videoID := search.Items[0].ID.VideoID

	info := &LiveBroadcast{ChannelID: channelID, VideoID: videoID}

	// Video details are best-effort extras on top of the live hit.
	vparams := url.Values{}
	vparams.Set("part", "snippet,liveStreamingDetails")
	vparams.Set("id", videoID)
	if vbody, err := r.api.Call(ctx, "videos", vparams); err != nil {
		r.log.Debug("video details unavailable", logx.String("video", videoID), logx.Err(err))
	} else {
		var videos struct {
			Items []struct {
				Snippet struct {
					Title string `json:"title"`
				} `json:"snippet"`
				LiveStreamingDetails struct {
					ScheduledStartTime string `json:"scheduledStartTime"`
					ActualStartTime    string `json:"actualStartTime"`
				} `json:"liveStreamingDetails"`
			} `json:"items"`
		}
		if err := json.Unmarshal(vbody, &videos); err == nil && len(videos.Items) > 0 {
			v := videos.Items[0]
			info.VideoTitle = v.Snippet.Title
			info.StartTime = v.LiveStreamingDetails.ScheduledStartTime
			if info.StartTime == "" {
				info.StartTime = v.LiveStreamingDetails.ActualStartTime
			}
		}
	}

	if title, err := r.ChannelTitle(ctx, channelID); err == nil {
		info.ChannelTitle = title
	} else {
		r.log.Debug("channel title unavailable", logx.String("channel", channelID), logx.Err(err))
	}

	return info, nil
}

// WatchURL returns the canonical watch page link for a video.
func WatchURL(videoID string) string {
	return "https://www.youtube.com/watch?v=" + videoID
}
