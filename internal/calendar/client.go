// Package calendar はGoogleカレンダーAPI(v3)の薄いクライアントを提供する。
//
// 同期サイクル中のトークン失効は1回だけリフレッシュして再試行する。
// リフレッシュで得た新しいアクセストークンはSessionに書き戻されるため、
// 呼び出し側はサイクル終了後に永続化できる。
package calendar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/calhub/internal/model"
)

const (
	defaultCalendarBaseURL = "https://www.googleapis.com/calendar/v3"
	defaultTokenURL        = "https://oauth2.googleapis.com/token"

	// DefaultCalendarSummary は専用カレンダー作成時の表示名。
	DefaultCalendarSummary = "Calendar hub"

	// 終了時刻が取得できない予約に与える既定のイベント長
	defaultEventDuration = time.Hour
)

// ErrAuth はリフレッシュしてもGoogleが認可を拒否した。
// ユーザーによるGoogleアカウントの再連携が必要。
var ErrAuth = errors.New("calendar: authorization failed")

// Config はカレンダークライアントの設定。
type Config struct {
	ClientID     string
	ClientSecret string

	// テスト用にオーバーライド可能なURL
	BaseURL  string
	TokenURL string
}

// Session は1同期サイクル分のトークン状態。
// リフレッシュが発生するとAccessTokenが更新されRefreshedが立つ。
type Session struct {
	AccessToken  string
	RefreshToken string
	Refreshed    bool
}

// Client はGoogleカレンダーAPIのクライアント。
type Client struct {
	config Config
	http   *http.Client
}

// NewClient はClientを生成する。
func NewClient(config Config, httpClient *http.Client) *Client {
	if config.BaseURL == "" {
		config.BaseURL = defaultCalendarBaseURL
	}
	if config.TokenURL == "" {
		config.TokenURL = defaultTokenURL
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{config: config, http: httpClient}
}

// eventDateTime はイベントの開始・終了表現。
// 終日イベントはDate、時刻付きはDateTimeのどちらか一方だけを持つ。
type eventDateTime struct {
	Date     string `json:"date,omitempty"`
	DateTime string `json:"dateTime,omitempty"`
}

type eventSource struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

type event struct {
	ID          string        `json:"id,omitempty"`
	Summary     string        `json:"summary"`
	Description string        `json:"description,omitempty"`
	Location    string        `json:"location,omitempty"`
	Start       eventDateTime `json:"start"`
	End         eventDateTime `json:"end"`
	Source      *eventSource  `json:"source,omitempty"`
}

type calendarResource struct {
	ID      string `json:"id"`
	Summary string `json:"summary"`
}

// InsertEvent は予約からイベントを作成し、イベントIDを返す。
func (c *Client) InsertEvent(ctx context.Context, session *Session, calendarID string, r *model.Reservation) (string, error) {
	body, err := json.Marshal(buildEvent(r))
	if err != nil {
		return "", fmt.Errorf("failed to encode event: %w", err)
	}

	endpoint := fmt.Sprintf("%s/calendars/%s/events", c.config.BaseURL, url.PathEscape(calendarID))
	res, resBody, err := c.doAuthed(ctx, session, http.MethodPost, endpoint, body)
	if err != nil {
		return "", err
	}
	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("event insert failed with status %d: %s", res.StatusCode, string(resBody))
	}

	var created event
	if err := json.Unmarshal(resBody, &created); err != nil {
		return "", fmt.Errorf("failed to parse event response: %w", err)
	}
	if created.ID == "" {
		return "", fmt.Errorf("empty event id in response")
	}
	return created.ID, nil
}

// PatchEvent は既存イベントを予約の現在値で更新する。
func (c *Client) PatchEvent(ctx context.Context, session *Session, calendarID, eventID string, r *model.Reservation) error {
	body, err := json.Marshal(buildEvent(r))
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	endpoint := fmt.Sprintf("%s/calendars/%s/events/%s",
		c.config.BaseURL, url.PathEscape(calendarID), url.PathEscape(eventID))
	res, resBody, err := c.doAuthed(ctx, session, http.MethodPatch, endpoint, body)
	if err != nil {
		return err
	}
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("event patch failed with status %d: %s", res.StatusCode, string(resBody))
	}
	return nil
}

// DeleteEvent はイベントを削除する。
// 既に存在しないイベント(404/410)は削除成功として扱う。
func (c *Client) DeleteEvent(ctx context.Context, session *Session, calendarID, eventID string) error {
	endpoint := fmt.Sprintf("%s/calendars/%s/events/%s",
		c.config.BaseURL, url.PathEscape(calendarID), url.PathEscape(eventID))
	res, resBody, err := c.doAuthed(ctx, session, http.MethodDelete, endpoint, nil)
	if err != nil {
		return err
	}
	switch res.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound, http.StatusGone:
		return nil
	}
	return fmt.Errorf("event delete failed with status %d: %s", res.StatusCode, string(resBody))
}

// CreateCalendar は同期先の専用カレンダーを作成し、IDを返す。
func (c *Client) CreateCalendar(ctx context.Context, session *Session, summary string) (string, error) {
	body, err := json.Marshal(calendarResource{Summary: summary})
	if err != nil {
		return "", fmt.Errorf("failed to encode calendar: %w", err)
	}

	res, resBody, err := c.doAuthed(ctx, session, http.MethodPost, c.config.BaseURL+"/calendars", body)
	if err != nil {
		return "", err
	}
	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("calendar insert failed with status %d: %s", res.StatusCode, string(resBody))
	}

	var created calendarResource
	if err := json.Unmarshal(resBody, &created); err != nil {
		return "", fmt.Errorf("failed to parse calendar response: %w", err)
	}
	if created.ID == "" {
		return "", fmt.Errorf("empty calendar id in response")
	}
	return created.ID, nil
}

// doAuthed はBearerトークン付きでリクエストを実行する。
// 401の場合はリフレッシュトークンで1回だけ再試行する。
func (c *Client) doAuthed(ctx context.Context, session *Session, method, endpoint string, body []byte) (*http.Response, []byte, error) {
	res, resBody, err := c.doOnce(ctx, session.AccessToken, method, endpoint, body)
	if err != nil {
		return nil, nil, err
	}
	if res.StatusCode != http.StatusUnauthorized {
		return res, resBody, nil
	}

	if session.RefreshToken == "" {
		return nil, nil, ErrAuth
	}
	if err := c.refresh(ctx, session); err != nil {
		return nil, nil, err
	}

	res, resBody, err = c.doOnce(ctx, session.AccessToken, method, endpoint, body)
	if err != nil {
		return nil, nil, err
	}
	if res.StatusCode == http.StatusUnauthorized {
		return nil, nil, ErrAuth
	}
	return res, resBody, nil
}

func (c *Client) doOnce(ctx context.Context, accessToken, method, endpoint string, body []byte) (*http.Response, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.http.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("calendar request failed: %w", err)
	}
	defer res.Body.Close()

	resBody, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read calendar response: %w", err)
	}
	return res, resBody, nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// refresh はリフレッシュトークンで新しいアクセストークンを取得する。
func (c *Client) refresh(ctx context.Context, session *Session) error {
	data := url.Values{
		"client_id":     {c.config.ClientID},
		"client_secret": {c.config.ClientSecret},
		"refresh_token": {session.RefreshToken},
		"grant_type":    {"refresh_token"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("refresh request failed: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("failed to read refresh response: %w", err)
	}
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: refresh failed with status %d", ErrAuth, res.StatusCode)
	}

	var token tokenResponse
	if err := json.Unmarshal(body, &token); err != nil {
		return fmt.Errorf("failed to parse refresh response: %w", err)
	}
	if token.AccessToken == "" {
		return fmt.Errorf("%w: empty access token in refresh response", ErrAuth)
	}

	session.AccessToken = token.AccessToken
	session.Refreshed = true
	return nil
}

// buildEvent は予約をカレンダーイベントに変換する。
// 時刻を持たない予約は終日イベントになる。
func buildEvent(r *model.Reservation) event {
	e := event{
		Summary:     r.Title,
		Description: r.Detail,
	}
	if r.Location != nil {
		e.Location = *r.Location
	}
	if r.URL != nil {
		e.Source = &eventSource{Title: r.Title, URL: *r.URL}
	}

	if r.TimeBegin == nil {
		// 終日イベント。終了日は排他的なので翌日を指す
		e.Start = eventDateTime{Date: r.DateBegin.Format(model.DateOnly)}
		end := r.DateBegin.AddDate(0, 0, 1)
		if r.DateEnd != nil {
			end = *r.DateEnd
		}
		e.End = eventDateTime{Date: end.Format(model.DateOnly)}
		return e
	}

	begin := combine(r.DateBegin, *r.TimeBegin)
	e.Start = eventDateTime{DateTime: begin.Format(time.RFC3339)}

	end := begin.Add(defaultEventDuration)
	if r.TimeEnd != nil {
		endDate := r.DateBegin
		if r.DateEnd != nil {
			endDate = *r.DateEnd
		}
		end = combine(endDate, *r.TimeEnd)
	}
	e.End = eventDateTime{DateTime: end.Format(time.RFC3339)}
	return e
}

// combine は日付と時刻をUTCの日時に合成する。
func combine(date, tod time.Time) time.Time {
	return time.Date(date.Year(), date.Month(), date.Day(),
		tod.Hour(), tod.Minute(), tod.Second(), 0, time.UTC)
}
