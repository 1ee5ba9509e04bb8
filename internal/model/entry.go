// Package model はドメインモデルを定義する。
package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Mood は日記エントリに付与する気分を表す。
type Mood string

const (
	// MoodNone は気分を明示的に「なし」とした状態。
	MoodNone Mood = "none"
	// MoodDead はレベル1。
	MoodDead Mood = "dead"
	// MoodSad はレベル2。
	MoodSad Mood = "sad"
	// MoodMeh はレベル3。
	MoodMeh Mood = "meh"
	// MoodGood はレベル4。
	MoodGood Mood = "good"
	// MoodAwesome はレベル5。
	MoodAwesome Mood = "awesome"
)

// ParseMood は文字列をMoodに変換する。
// level1〜level5 の表記も受け付ける。未知の値の場合はfalseを返す。
func ParseMood(s string) (Mood, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none":
		return MoodNone, true
	case "dead", "level1":
		return MoodDead, true
	case "sad", "level2":
		return MoodSad, true
	case "meh", "level3":
		return MoodMeh, true
	case "good", "level4":
		return MoodGood, true
	case "awesome", "level5":
		return MoodAwesome, true
	default:
		return "", false
	}
}

// Level は気分のレベル（1〜5）を返す。noneの場合は0。
func (m Mood) Level() int {
	switch m {
	case MoodDead:
		return 1
	case MoodSad:
		return 2
	case MoodMeh:
		return 3
	case MoodGood:
		return 4
	case MoodAwesome:
		return 5
	default:
		return 0
	}
}

// AttachmentType は添付ファイルの種別を表す。
type AttachmentType string

const (
	AttachmentImage        AttachmentType = "image"
	AttachmentAudioFile    AttachmentType = "audio-file"
	AttachmentSpotifyTrack AttachmentType = "spotify-track"
	AttachmentVoiceMemo    AttachmentType = "voice-memo"
)

// Valid は既知の添付種別かどうかを返す。
func (t AttachmentType) Valid() bool {
	switch t {
	case AttachmentImage, AttachmentAudioFile, AttachmentSpotifyTrack, AttachmentVoiceMemo:
		return true
	}
	return false
}

// Attachment はエントリに紐づく添付メディアを表す。
// URLはセッション内でのみ有効な一時参照であり、リロード後も残すにはDataが必要。
type Attachment struct {
	ID       string            `json:"id"`
	Type     AttachmentType    `json:"type"`
	URL      string            `json:"url,omitempty"`
	Data     string            `json:"data,omitempty"` // base64
	Name     string            `json:"name"`
	MimeType string            `json:"mimeType,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Durable はリロード後も復元可能な添付かどうかを返す。
func (a Attachment) Durable() bool {
	if a.Data != "" {
		return true
	}
	return a.Type == AttachmentSpotifyTrack && a.Metadata["externalUrl"] != ""
}

// JournalEntry は1日1件の日記エントリを表す。
// OwnerIDがnilのエントリは旧バージョンで作成された所有者なしエントリとして扱う。
type JournalEntry struct {
	ID           string              `json:"id"`
	OwnerID      *string             `json:"userId,omitempty"`
	Date         time.Time           `json:"date"`
	Title        string              `json:"title"`
	Content      string              `json:"content"`
	Mood         *Mood               `json:"mood,omitempty"`
	Attachments  []Attachment        `json:"attachments"`
	TemplateData map[string][]string `json:"templateData,omitempty"`
	CreatedAt    time.Time           `json:"createdAt"`
	UpdatedAt    time.Time           `json:"updatedAt"`
}

// IsLegacy は所有者なしのエントリかどうかを返す。
func (e *JournalEntry) IsLegacy() bool {
	return e.OwnerID == nil || *e.OwnerID == ""
}

// OwnedBy はエントリが指定ユーザーのものかどうかを返す。所有者なしエントリはfalse。
func (e *JournalEntry) OwnedBy(userID string) bool {
	return !e.IsLegacy() && *e.OwnerID == userID
}

// Clone はスライスとマップを含めたディープコピーを返す。
func (e *JournalEntry) Clone() *JournalEntry {
	if e == nil {
		return nil
	}
	c := *e
	if e.OwnerID != nil {
		owner := *e.OwnerID
		c.OwnerID = &owner
	}
	if e.Mood != nil {
		mood := *e.Mood
		c.Mood = &mood
	}
	if e.Attachments != nil {
		c.Attachments = make([]Attachment, len(e.Attachments))
		for i, a := range e.Attachments {
			c.Attachments[i] = a
			if a.Metadata != nil {
				c.Attachments[i].Metadata = make(map[string]string, len(a.Metadata))
				for k, v := range a.Metadata {
					c.Attachments[i].Metadata[k] = v
				}
			}
		}
	}
	if e.TemplateData != nil {
		c.TemplateData = make(map[string][]string, len(e.TemplateData))
		for k, v := range e.TemplateData {
			c.TemplateData[k] = append([]string(nil), v...)
		}
	}
	return &c
}

// PreferenceBlobTitlePrefix は設定値を格納する疑似エントリのタイトル接頭辞。
// 疑似エントリは日記一覧や日付検索の対象外とする。
const PreferenceBlobTitlePrefix = "__pref__:"

// preferenceBlobNamespace は疑似エントリIDを導出するための名前空間。
var preferenceBlobNamespace = uuid.MustParse("6f1c6f4e-8a51-4f0e-9b7c-2d1f0b6f7a10")

// PreferenceBlobID はユーザーと設定キーから決まる疑似エントリのIDを返す。
func PreferenceBlobID(ownerID, key string) string {
	return uuid.NewSHA1(preferenceBlobNamespace, []byte(ownerID+"/"+key)).String()
}

// IsPreferenceBlob は設定値を格納する疑似エントリかどうかを返す。
// タイトルの接頭辞に加えて、IDが所有者とキーから導出した値と一致する必要がある。
// 利用者が同じ接頭辞のタイトルを付けた通常のエントリは疑似エントリとみなさない。
func (e *JournalEntry) IsPreferenceBlob() bool {
	key, ok := strings.CutPrefix(e.Title, PreferenceBlobTitlePrefix)
	if !ok || e.OwnerID == nil {
		return false
	}
	return e.ID == PreferenceBlobID(*e.OwnerID, key)
}

// HasTemplateContent はテンプレートに選択済みの値が1つ以上あるかを返す。
func HasTemplateContent(data map[string][]string) bool {
	for _, v := range data {
		if len(v) > 0 {
			return true
		}
	}
	return false
}

// StringPtr は文字列のポインタを返す。
func StringPtr(s string) *string {
	return &s
}

// MoodPtr はMoodのポインタを返す。
func MoodPtr(m Mood) *Mood {
	return &m
}
