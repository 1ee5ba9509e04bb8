// Package importer はブログや他の日記サービスが公開するRSS/Atomフィードを日記エントリとして取り込む。
// 記事は公開日の暦日ごとにまとめ、すでにエントリがある日は取り込まない。
package importer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/daybook/internal/journal"
	"github.com/hitoshi/daybook/internal/model"
)

const (
	// maxBodySize は取得する本文の最大サイズ（5MB）。
	maxBodySize = 5 << 20
	// defaultFetchTimeout はHTTP取得1回あたりのタイムアウト。
	defaultFetchTimeout = 15 * time.Second
)

// ErrNoFeed は指定URLからフィードが見つからなかったことを示す。
var ErrNoFeed = errors.New("no feed found")

// URLGuard はユーザーが指定したURLの検証とSSRF防止付きクライアントを提供する。security.Guard が実装する。
type URLGuard interface {
	ValidateURL(rawURL string) error
	NewSafeClient(timeout time.Duration) *http.Client
}

// EntryCreator は日付を指定してエントリを作成する。journal.Service が実装する。
type EntryCreator interface {
	CreateEntryForDate(ctx context.Context, day time.Time, in journal.AutosaveInput) (*model.JournalEntry, bool)
}

// TextCleaner はタイトルからタグを取り除く。security.ContentSanitizer が実装する。
type TextCleaner interface {
	PlainText(rawHTML string) string
}

// Result は取り込みの結果。
type Result struct {
	FeedURL  string `json:"feedUrl"`
	Imported int    `json:"imported"`
	Skipped  int    `json:"skipped"`
	Undated  int    `json:"undated"`
}

// Importer はフィードを取得してエントリを作成する。
type Importer struct {
	guard   URLGuard
	entries EntryCreator
	cleaner TextCleaner
	logger  *slog.Logger
	loc     *time.Location
	timeout time.Duration
}

// New はImporterを生成する。locは記事の公開日時を暦日に変換するタイムゾーン。
func New(guard URLGuard, entries EntryCreator, cleaner TextCleaner, logger *slog.Logger, loc *time.Location) *Importer {
	if loc == nil {
		loc = time.UTC
	}
	return &Importer{
		guard:   guard,
		entries: entries,
		cleaner: cleaner,
		logger:  logger,
		loc:     loc,
		timeout: defaultFetchTimeout,
	}
}

// Import はrawURLのフィードを取り込む。rawURLがHTMLページの場合はheadのフィードリンクをたどる。
// URLの拒否や取得の失敗は*model.APIErrorを、フィードが見つからない場合はErrNoFeedを返す。
func (im *Importer) Import(ctx context.Context, rawURL string) (Result, error) {
	feedURL, body, err := im.resolveFeed(ctx, strings.TrimSpace(rawURL))
	if err != nil {
		return Result{}, err
	}

	feed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		im.logger.Warn("フィードのパースに失敗しました",
			slog.String("feed_url", feedURL),
			slog.String("error", err.Error()),
		)
		return Result{}, model.NewFetchFailedError(fmt.Sprintf("フィードを解析できません: %v", err))
	}

	result := Result{FeedURL: feedURL}
	days, undated := im.groupByDay(feed.Items)
	result.Undated = undated

	for _, d := range days {
		if _, created := im.entries.CreateEntryForDate(ctx, d.date, d.input()); created {
			result.Imported++
		} else {
			result.Skipped++
		}
	}

	im.logger.Info("フィードを取り込みました",
		slog.String("feed_url", feedURL),
		slog.Int("imported", result.Imported),
		slog.Int("skipped", result.Skipped),
		slog.Int("undated", result.Undated),
	)
	return result, nil
}

// resolveFeed はURLを取得し、フィードであればそのまま、HTMLであればフィードリンク先を取得して返す。
func (im *Importer) resolveFeed(ctx context.Context, rawURL string) (string, []byte, error) {
	body, contentType, err := im.fetch(ctx, rawURL)
	if err != nil {
		return "", nil, err
	}
	if isFeed(contentType, body) {
		return rawURL, body, nil
	}

	mediaType, _, _ := mime.ParseMediaType(contentType)
	if !strings.Contains(strings.ToLower(mediaType), "html") {
		return "", nil, fmt.Errorf("%w: %s", ErrNoFeed, rawURL)
	}
	link, ok := bestFeed(findFeedLinks(body, rawURL), rawURL)
	if !ok {
		return "", nil, fmt.Errorf("%w: %s", ErrNoFeed, rawURL)
	}

	im.logger.Debug("HTMLからフィードを検出しました",
		slog.String("page_url", rawURL),
		slog.String("feed_url", link.URL),
	)
	body, _, err = im.fetch(ctx, link.URL)
	if err != nil {
		return "", nil, err
	}
	return link.URL, body, nil
}

func (im *Importer) fetch(ctx context.Context, rawURL string) ([]byte, string, error) {
	if err := im.guard.ValidateURL(rawURL); err != nil {
		im.logger.Warn("取り込み元のURLを拒否しました",
			slog.String("url", rawURL),
			slog.String("error", err.Error()),
		)
		return nil, "", model.NewSSRFBlockedError()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", model.NewInvalidURLError(err.Error())
	}
	req.Header.Set("User-Agent", "Daybook/1.0 Importer")
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml, text/html;q=0.9, */*;q=0.8")

	resp, err := im.guard.NewSafeClient(im.timeout).Do(req)
	if err != nil {
		return nil, "", model.NewFetchFailedError(err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", model.NewFetchFailedError(fmt.Sprintf("HTTPステータス %d", resp.StatusCode))
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, "", model.NewFetchFailedError(fmt.Sprintf("レスポンスの読み取りに失敗: %v", err))
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// dayItems は同じ暦日に公開された記事。
type dayItems struct {
	date   time.Time
	titles []string
	bodies []string
}

func (d *dayItems) input() journal.AutosaveInput {
	return journal.AutosaveInput{
		Title:   strings.Join(d.titles, " / "),
		Content: strings.Join(d.bodies, "<hr>"),
	}
}

// groupByDay は記事を公開日の暦日ごとにまとめ、古い日から順に返す。
// 公開日時も更新日時もない記事は数だけ返す。
func (im *Importer) groupByDay(items []*gofeed.Item) ([]*dayItems, int) {
	byDay := make(map[string]*dayItems)
	undated := 0

	sorted := make([]*gofeed.Item, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		if itemTime(item) == nil {
			undated++
			continue
		}
		sorted = append(sorted, item)
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return itemTime(sorted[i]).Before(*itemTime(sorted[j]))
	})

	for _, item := range sorted {
		published := itemTime(item).In(im.loc)
		key := published.Format(time.DateOnly)
		d, ok := byDay[key]
		if !ok {
			d = &dayItems{date: published}
			byDay[key] = d
		}
		if title := im.cleaner.PlainText(item.Title); title != "" {
			d.titles = append(d.titles, title)
		}
		body := item.Content
		if body == "" {
			body = item.Description
		}
		if item.Link != "" {
			link := html.EscapeString(item.Link)
			body += fmt.Sprintf(`<p><a href="%s">%s</a></p>`, link, link)
		}
		if strings.TrimSpace(body) != "" {
			d.bodies = append(d.bodies, body)
		}
	}

	days := make([]*dayItems, 0, len(byDay))
	for _, d := range byDay {
		days = append(days, d)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].date.Before(days[j].date) })
	return days, undated
}

func itemTime(item *gofeed.Item) *time.Time {
	if item.PublishedParsed != nil {
		return item.PublishedParsed
	}
	return item.UpdatedParsed
}
