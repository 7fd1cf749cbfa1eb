package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/hitoshi/calhub/internal/model"
	"github.com/hitoshi/calhub/internal/security"
)

const (
	megaboxBaseURL    = "https://www.megabox.co.kr/"
	megaboxListURL    = "https://www.megabox.co.kr/on/oh/ohh/MyBokdPurc/selectBokdList.do"
	megaboxRefererURL = "https://www.megabox.co.kr/mypage/bookinglist"
	megaboxPingURL    = "https://www.megabox.co.kr/sessionChk.do"
)

type megaboxReservation struct {
	BookingID        string `json:"bokdNo"`
	MovieName        string `json:"movieNm"`
	BranchName       string `json:"brchNm"`
	TheaterName      string `json:"theabNm"`
	TheaterFloorName string `json:"theabFlrNm"`
	SeatName         string `json:"seatNm"`
	PlayDate         string `json:"playDe"`
	PlayStartTime    string `json:"playStartTime"`
	PlayEndTime      string `json:"playEndTime"`
}

type megaboxListResponse struct {
	StatusCode int                  `json:"statCd"`
	Message    string               `json:"msg"`
	List       []megaboxReservation `json:"list"`
}

// Megabox は映画館チェーンMEGABOXのアダプタ。
// 予約一覧はJSON APIで取得できる。
type Megabox struct {
	base      *http.Client
	sanitizer security.TextSanitizerService
}

// NewMegabox はMegaboxアダプタを生成する。
func NewMegabox(base *http.Client, sanitizer security.TextSanitizerService) *Megabox {
	return &Megabox{base: base, sanitizer: sanitizer}
}

// Provider は対応するプロバイダーを返す。
func (a *Megabox) Provider() model.Provider { return model.ProviderMegabox }

// SecretFields は必要な認証情報フィールドを返す。
func (a *Megabox) SecretFields() []string { return []string{"jsessionid", "session"} }

func (a *Megabox) client(bundle model.SecretBundle) (*http.Client, error) {
	return jarClient(a.base, megaboxBaseURL, map[string]string{
		"JSESSIONID": bundle["jsessionid"],
		"SESSION":    bundle["session"],
	})
}

// Fetch は予約一覧を取得する。
func (a *Megabox) Fetch(ctx context.Context, bundle model.SecretBundle) ([]model.Reservation, error) {
	if err := ValidateBundle(a, bundle); err != nil {
		return nil, err
	}

	client, err := a.client(bundle)
	if err != nil {
		return nil, unreachable(a.Provider(), err)
	}

	payload := []byte(`{"divCd":"B","localeCode":"kr"}`)
	req, err := http.NewRequest(http.MethodGet, megaboxListURL, bytes.NewReader(payload))
	if err != nil {
		return nil, unreachable(a.Provider(), err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Referer", megaboxRefererURL)

	res, body, err := doRequest(ctx, client, req, a.Provider())
	if err != nil {
		return nil, err
	}
	if res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden {
		return nil, sessionExpired(a.Provider(), fmt.Sprintf("status %d", res.StatusCode))
	}
	if res.StatusCode != http.StatusOK {
		return nil, parseFailure(a.Provider(), fmt.Sprintf("unexpected status %d", res.StatusCode), nil)
	}

	var list megaboxListResponse
	if err := json.Unmarshal(body, &list); err != nil {
		if looksLikeHTML(body) {
			return nil, sessionExpired(a.Provider(), "login page returned")
		}
		return nil, parseFailure(a.Provider(), "failed to decode reservation list", err)
	}
	if list.StatusCode != 0 {
		// 認証切れはエラーコード付きJSONで返る
		return nil, sessionExpired(a.Provider(), list.Message)
	}

	var reservations []model.Reservation
	for _, item := range list.List {
		r, err := a.buildReservation(item)
		if err != nil {
			return nil, err
		}
		reservations = append(reservations, *r)
	}

	return reservations, nil
}

// Ping はセッション確認エンドポイントを叩く。
func (a *Megabox) Ping(ctx context.Context, bundle model.SecretBundle) error {
	if err := ValidateBundle(a, bundle); err != nil {
		return err
	}

	client, err := a.client(bundle)
	if err != nil {
		return unreachable(a.Provider(), err)
	}

	req, err := http.NewRequest(http.MethodPost, megaboxPingURL, nil)
	if err != nil {
		return unreachable(a.Provider(), err)
	}
	_, _, err = doRequest(ctx, client, req, a.Provider())
	return err
}

func (a *Megabox) buildReservation(item megaboxReservation) (*model.Reservation, error) {
	date, err := time.ParseInLocation("20060102", item.PlayDate, locKST)
	if err != nil {
		return nil, parseFailure(a.Provider(), "failed to parse play date: "+item.PlayDate, err)
	}

	beginKST, err := a.playTime(date, item.PlayStartTime)
	if err != nil {
		return nil, err
	}
	endKST, err := a.playTime(date, item.PlayEndTime)
	if err != nil {
		return nil, err
	}

	dateBegin, timeBegin := splitUTC(beginKST)
	dateEnd, timeEnd := splitUTC(endKST)

	return &model.Reservation{
		ID: a.Provider().IDPrefix() + item.BookingID,
		Title: a.sanitizer.Sanitize(fmt.Sprintf(
			"%s - MEGABOX %s", item.MovieName, item.BranchName,
		)),
		Detail: fmt.Sprintf(
			"상영관: %s(%s)\n좌석: %s",
			a.sanitizer.Sanitize(item.TheaterName),
			a.sanitizer.Sanitize(item.TheaterFloorName),
			a.sanitizer.Sanitize(item.SeatName),
		),
		DateBegin: dateBegin,
		TimeBegin: timeBegin,
		DateEnd:   &dateEnd,
		TimeEnd:   timeEnd,
	}, nil
}

// playTime はHHMM形式の上映時刻をKSTの日時に変換する。
// 深夜上映は2530のように24時超の表記になるため翌日へ繰り上げる。
func (a *Megabox) playTime(date time.Time, hhmm string) (time.Time, error) {
	n, err := strconv.Atoi(hhmm)
	if err != nil {
		return time.Time{}, parseFailure(a.Provider(), "failed to parse play time: "+hhmm, err)
	}
	hour := n / 100
	minute := n % 100
	if hour >= 24 {
		hour -= 24
		date = date.AddDate(0, 0, 1)
	}
	return time.Date(date.Year(), date.Month(), date.Day(), hour, minute, 0, 0, locKST), nil
}

// compile-time interface check
var _ Adapter = (*Megabox)(nil)
