package handler

import (
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"

	"github.com/hitoshi/daybook/internal/model"
)

// DateParser は日付指定を暦日に変換する。
// YYYY-MM-DD 形式に加え、「yesterday」「last friday」などの英語の自然言語表現を受け付ける。
type DateParser struct {
	parser *when.Parser
	loc    *time.Location
	now    func() time.Time
}

// NewDateParser はDateParserを生成する。locは日付を解釈するタイムゾーン。
func NewDateParser(loc *time.Location) *DateParser {
	if loc == nil {
		loc = time.UTC
	}
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return &DateParser{parser: w, loc: loc, now: time.Now}
}

// Parse はvalueを解釈し、その日の0時を返す。解釈できない場合はINVALID_DATEエラーを返す。
func (p *DateParser) Parse(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, model.NewInvalidDateError(value)
	}
	if t, err := time.ParseInLocation(time.DateOnly, value, p.loc); err == nil {
		return t, nil
	}

	base := p.now().In(p.loc)
	r, err := p.parser.Parse(strings.ToLower(value), base)
	if err != nil || r == nil {
		return time.Time{}, model.NewInvalidDateError(value)
	}
	t := r.Time.In(p.loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, p.loc), nil
}

// ParseMonth は YYYY-MM 形式の月を解釈する。空の場合は今月を返す。
func (p *DateParser) ParseMonth(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		n := p.now().In(p.loc)
		return time.Date(n.Year(), n.Month(), 1, 0, 0, 0, 0, p.loc), nil
	}
	t, err := time.ParseInLocation("2006-01", value, p.loc)
	if err != nil {
		return time.Time{}, model.NewInvalidDateError(value)
	}
	return t, nil
}
