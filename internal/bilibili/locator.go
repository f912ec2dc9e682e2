package bilibili

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ErrNoAudioStream is returned when every strategy failed to produce an
// audio address.
var ErrNoAudioStream = errors.New("no audio stream found; the video may be unavailable or the platform API has changed")

// Strategy is one way of finding the audio stream of a video.
type Strategy interface {
	Name() string
	Locate(ctx context.Context, ref VideoRef) (string, error)
}

// Locator tries its strategies in order. The first non-empty address wins.
type Locator struct {
	strategies []Strategy
	log        *slog.Logger
}

// NewLocator returns a Locator over strategies.
func NewLocator(log *slog.Logger, strategies ...Strategy) *Locator {
	return &Locator{strategies: strategies, log: log}
}

// Locate returns an audio stream address for ref. Strategy failures are
// logged and skipped; only exhaustion is reported.
func (l *Locator) Locate(ctx context.Context, ref VideoRef) (string, error) {
	for _, s := range l.strategies {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		addr, err := s.Locate(ctx, ref)
		if err != nil {
			l.log.Warn("audio strategy failed",
				slog.String("strategy", s.Name()),
				slog.String("bvid", ref.BVID),
				slog.String("error", err.Error()))
			continue
		}
		if addr != "" {
			l.log.Debug("audio stream located", slog.String("strategy", s.Name()), slog.String("bvid", ref.BVID))
			return addr, nil
		}
	}
	return "", ErrNoAudioStream
}

// AudioStrategies returns the platform strategies in preference order:
// the playurl API, then the playinfo blob embedded in the video page.
func (c *Client) AudioStrategies() []Strategy {
	return []Strategy{playURLStrategy{c}, pageStrategy{c}}
}

type playURLStrategy struct{ c *Client }

func (playURLStrategy) Name() string { return "playurl_api" }

func (s playURLStrategy) Locate(ctx context.Context, ref VideoRef) (string, error) {
	var env envelope[playData]
	u := fmt.Sprintf("%s/x/player/playurl?bvid=%s&cid=%d&fnval=16&fnver=0&fourk=1",
		s.c.apiBase, url.QueryEscape(ref.BVID), ref.CID)
	if err := s.c.getJSON(ctx, u, &env); err != nil {
		return "", err
	}
	if env.Code != 0 {
		return "", &APIError{Code: env.Code, Message: env.Message}
	}
	return lowestBandwidth(env.Data.Dash.Audio)
}

type pageStrategy struct{ c *Client }

func (pageStrategy) Name() string { return "page_playinfo" }

var playInfoPattern = regexp.MustCompile(`(?s)window\.__playinfo__\s*=\s*(\{.*\})`)

func (s pageStrategy) Locate(ctx context.Context, ref VideoRef) (string, error) {
	body, err := s.c.get(ctx, s.c.pageBase+"/video/"+url.PathEscape(ref.BVID)+"/", acceptHTML)
	if err != nil {
		return "", err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("parse video page: %w", err)
	}

	var blob string
	doc.Find("script").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		text := sel.Text()
		if !strings.Contains(text, "window.__playinfo__") {
			return true
		}
		if m := playInfoPattern.FindStringSubmatch(text); m != nil {
			blob = m[1]
			return false
		}
		return true
	})
	if blob == "" {
		return "", errors.New("playinfo not found in video page")
	}

	var info struct {
		Data playData `json:"data"`
	}
	if err := json.Unmarshal([]byte(blob), &info); err != nil {
		return "", fmt.Errorf("%w: playinfo: %v", ErrMalformedResponse, err)
	}
	return lowestBandwidth(info.Data.Dash.Audio)
}

// lowestBandwidth returns the address of the smallest audio rendition that
// carries one.
func lowestBandwidth(audios []dashAudio) (string, error) {
	best := -1
	for i, a := range audios {
		if a.url() == "" {
			continue
		}
		if best < 0 || a.Bandwidth < audios[best].Bandwidth {
			best = i
		}
	}
	if best < 0 {
		return "", errors.New("no audio renditions in manifest")
	}
	return audios[best].url(), nil
}
