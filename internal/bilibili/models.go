package bilibili

import "fmt"

// VideoRef identifies one video and the page (cid) whose media is processed.
type VideoRef struct {
	BVID string `json:"bvid"`
	CID  int64  `json:"cid"`
}

// VideoMetadata is the descriptive information attached to the info_fetched
// event and to the final result.
type VideoMetadata struct {
	BVID        string `json:"bvid"`
	CID         int64  `json:"cid"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Duration    int    `json:"duration"` // seconds
	Owner       string `json:"owner"`
	Pic         string `json:"pic"`
}

// Ref returns the VideoRef the metadata describes.
func (m VideoMetadata) Ref() VideoRef {
	return VideoRef{BVID: m.BVID, CID: m.CID}
}

// envelope is the common response wrapper of the platform's JSON APIs.
type envelope[T any] struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    T      `json:"data"`
}

type viewData struct {
	BVID     string `json:"bvid"`
	CID      int64  `json:"cid"`
	Title    string `json:"title"`
	Desc     string `json:"desc"`
	Duration int    `json:"duration"`
	Pic      string `json:"pic"`
	Owner    struct {
		Name string `json:"name"`
	} `json:"owner"`
}

type playerData struct {
	Subtitle struct {
		Subtitles []subtitleTrack `json:"subtitles"`
	} `json:"subtitle"`
}

type subtitleTrack struct {
	Lang string `json:"lan"`
	URL  string `json:"subtitle_url"`
}

type subtitleBody struct {
	Body []struct {
		Content string `json:"content"`
	} `json:"body"`
}

// playData is shared by the playurl API and the page-embedded playinfo blob.
type playData struct {
	Dash struct {
		Audio []dashAudio `json:"audio"`
	} `json:"dash"`
}

type dashAudio struct {
	Bandwidth     int    `json:"bandwidth"`
	BaseURL       string `json:"baseUrl"`
	BaseURLLegacy string `json:"base_url"`
}

func (a dashAudio) url() string {
	if a.BaseURL != "" {
		return a.BaseURL
	}
	return a.BaseURLLegacy
}

// APIError is a non-zero code returned inside a well-formed envelope.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("bilibili: api code %d", e.Code)
	}
	return fmt.Sprintf("bilibili: %s (code %d)", e.Message, e.Code)
}
