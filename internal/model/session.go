package model

import "time"

// Session は認証プロバイダが発行したアクセストークンから得たログインセッションを表す。
type Session struct {
	UserID    string
	Email     string
	ExpiresAt time.Time
}

// Track は音楽検索で返される楽曲情報を表す。
type Track struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Artist      string `json:"artist"`
	Album       string `json:"album"`
	AlbumArt    string `json:"albumArt,omitempty"`
	PreviewURL  string `json:"previewUrl,omitempty"`
	ExternalURL string `json:"externalUrl,omitempty"`
}

// AttachmentMetadata はspotify-track添付に保存するメタデータを返す。
func (t Track) AttachmentMetadata() map[string]string {
	return map[string]string{
		"artist":      t.Artist,
		"album":       t.Album,
		"albumArt":    t.AlbumArt,
		"previewUrl":  t.PreviewURL,
		"externalUrl": t.ExternalURL,
	}
}
