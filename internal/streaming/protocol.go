package streaming

import (
	"encoding/base64"
	"encoding/json"
)

type statusMessage struct {
	Type   string `json:"type"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

type frameMessage struct {
	Type   string `json:"type"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Format string `json:"format"`
	Data   string `json:"data"`
}

type clipboardChangedMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// mustMarshal panics on error; every type here is a fixed struct with no
// unmarshalable fields, so json.Marshal cannot fail on it.
func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func encodeStatus(width, height int) []byte {
	return mustMarshal(statusMessage{Type: "status", Width: width, Height: height})
}

func encodeFrame(data []byte, width, height int) []byte {
	return mustMarshal(frameMessage{
		Type:   "frame",
		Width:  width,
		Height: height,
		Format: "jpeg",
		Data:   base64.StdEncoding.EncodeToString(data),
	})
}

func encodeClipboardChanged(text string) []byte {
	return mustMarshal(clipboardChangedMessage{Type: "clipboard_changed", Text: text})
}
