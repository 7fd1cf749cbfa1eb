package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/hitoshi/calhub/internal/browser"
	"github.com/hitoshi/calhub/internal/model"
	"github.com/hitoshi/calhub/internal/security"
)

const (
	naverBaseURL     = "https://m.booking.naver.com/"
	naverBookingsURL = "https://m.booking.naver.com/my/bookings"
	naverGraphQLURL  = "https://m.booking.naver.com/graphql"
	naverCookieHost  = ".naver.com"
)

// 例: "4. 27 목 오후 6:00" / "4. 7 금"
var naverDateRe = regexp.MustCompile(`([0-9]{1,2})\.\s*([0-9]{1,2})\s*[월화수목금토일](?:\s*(오전|오후)\s*([0-9]{1,2}):([0-6][0-9]))?`)

// Naver はNAVER予約のアダプタ。
// 予約一覧ページはクライアントサイドレンダリングのため、ヘッドレスブラウザで
// 描画後のDOMをスクレイプする。キャンセル・完了済みの予約はGraphQL APIから
// 併せて取得する。
type Naver struct {
	base      *http.Client
	sanitizer security.TextSanitizerService
	pool      *browser.Pool
}

// NewNaver はNaverアダプタを生成する。
func NewNaver(base *http.Client, sanitizer security.TextSanitizerService, pool *browser.Pool) *Naver {
	return &Naver{base: base, sanitizer: sanitizer, pool: pool}
}

// Provider は対応するプロバイダーを返す。
func (a *Naver) Provider() model.Provider { return model.ProviderNaver }

// SecretFields は必要な認証情報フィールドを返す。
func (a *Naver) SecretFields() []string { return []string{"nid_aut", "nid_ses"} }

// Fetch は予約一覧を取得する。
func (a *Naver) Fetch(ctx context.Context, bundle model.SecretBundle) ([]model.Reservation, error) {
	if err := ValidateBundle(a, bundle); err != nil {
		return nil, err
	}

	reservations, err := a.fetchUpcoming(ctx, bundle)
	if err != nil {
		return nil, err
	}

	completed, err := a.fetchCompleted(ctx, bundle)
	if err != nil {
		return nil, err
	}
	reservations = append(reservations, completed...)

	return reservations, nil
}

// Ping は一覧ページへの素のHTTPリクエストでセッションを維持する。
// 描画は不要なのでブラウザスロットは消費しない。
func (a *Naver) Ping(ctx context.Context, bundle model.SecretBundle) error {
	if err := ValidateBundle(a, bundle); err != nil {
		return err
	}

	client, err := jarClient(a.base, naverBaseURL, map[string]string{
		"NID_AUT": bundle["nid_aut"],
		"NID_SES": bundle["nid_ses"],
	})
	if err != nil {
		return unreachable(a.Provider(), err)
	}

	req, err := http.NewRequest(http.MethodGet, naverBookingsURL, nil)
	if err != nil {
		return unreachable(a.Provider(), err)
	}
	_, _, err = doRequest(ctx, client, req, a.Provider())
	return err
}

// fetchUpcoming はヘッドレスブラウザで予約一覧ページを描画し、
// 予定中の予約カードをスクレイプする。
func (a *Naver) fetchUpcoming(ctx context.Context, bundle model.SecretBundle) ([]model.Reservation, error) {
	// スロットが空かない場合はこの周期を諦めて到達不能として扱う
	release, err := a.pool.Acquire(ctx)
	if err != nil {
		return nil, unreachable(a.Provider(), err)
	}
	defer release()

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx,
		append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.UserAgent(userAgent),
		)...,
	)
	defer cancelAlloc()

	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	var html, location string
	err = chromedp.Run(browserCtx,
		a.setSessionCookies(bundle),
		chromedp.Navigate(naverBookingsURL),
		chromedp.WaitReady("body"),
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &html),
	)
	if err != nil {
		return nil, unreachable(a.Provider(), err)
	}

	// セッション切れはログインページへリダイレクトされる
	if strings.Contains(location, "nid.naver.com") {
		return nil, sessionExpired(a.Provider(), "redirected to login")
	}

	return a.parseUpcoming(html)
}

// setSessionCookies はNIDクッキーをブラウザに注入する。
func (a *Naver) setSessionCookies(bundle model.SecretBundle) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		for name, value := range map[string]string{
			"NID_AUT": bundle["nid_aut"],
			"NID_SES": bundle["nid_ses"],
		} {
			err := network.SetCookie(name, value).
				WithDomain(naverCookieHost).
				WithPath("/").
				WithHTTPOnly(true).
				WithSecure(true).
				Do(ctx)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (a *Naver) parseUpcoming(html string) ([]model.Reservation, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, parseFailure(a.Provider(), "failed to parse bookings html", err)
	}

	year := time.Now().In(locKST).Year()
	var reservations []model.Reservation
	var itemErr error
	doc.Find(".upcoming_item .info_link_area").EachWithBreak(func(_ int, item *goquery.Selection) bool {
		href, ok := item.Attr("href")
		if !ok {
			itemErr = parseFailure(a.Provider(), "detail link href is not found", nil)
			return false
		}
		parts := strings.Split(href, "/")
		number := parts[len(parts)-1]
		if number == "" {
			itemErr = parseFailure(a.Provider(), "failed to extract booking id from "+href, nil)
			return false
		}

		title := strings.TrimSpace(item.Find(".title").First().Text())
		dateText := strings.TrimSpace(item.Find(".date").First().Text())
		detail := strings.TrimSpace(item.Find(".txt").First().Text())

		begin, end, err := a.parseDateTimeRange(dateText, year)
		if err != nil {
			itemErr = err
			return false
		}

		r := model.Reservation{
			ID:        a.Provider().IDPrefix() + number,
			Title:     a.sanitizer.Sanitize(title),
			Detail:    a.sanitizer.Sanitize(detail),
			DateBegin: begin.date,
			TimeBegin: begin.time,
		}
		if end != nil {
			r.DateEnd = &end.date
			r.TimeEnd = end.time
		}
		reservations = append(reservations, r)
		return true
	})
	if itemErr != nil {
		return nil, itemErr
	}

	return reservations, nil
}

// dateOptionalTime は日付と省略可能な時刻の組。時刻がある場合はUTC変換済み。
type dateOptionalTime struct {
	date time.Time
	time *time.Time
}

// parseDateTime は「4. 27 목 오후 6:00」形式の表記を解釈する。
// 時刻付きの場合はKSTからUTCへ変換する。時刻なしは日付のみとして扱う。
func (a *Naver) parseDateTime(s string, year int) (*dateOptionalTime, error) {
	m := naverDateRe.FindStringSubmatch(s)
	if m == nil {
		return nil, parseFailure(a.Provider(), "failed to parse date text: "+s, nil)
	}
	month, _ := strconv.Atoi(m[1])
	day, _ := strconv.Atoi(m[2])

	if m[4] == "" {
		return &dateOptionalTime{
			date: time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC),
		}, nil
	}

	hour, _ := strconv.Atoi(m[4])
	minute, _ := strconv.Atoi(m[5])
	if m[3] == "오후" {
		hour += 12
	}
	kst := time.Date(year, time.Month(month), day, hour, minute, 0, 0, locKST)
	date, tod := splitUTC(kst)
	return &dateOptionalTime{date: date, time: tod}, nil
}

// parseDateTimeRange は「~」区切りの期間表記を解釈する。
func (a *Naver) parseDateTimeRange(s string, year int) (*dateOptionalTime, *dateOptionalTime, error) {
	beginText, endText, hasEnd := strings.Cut(s, "~")

	begin, err := a.parseDateTime(beginText, year)
	if err != nil {
		return nil, nil, err
	}
	if !hasEnd {
		return begin, nil, nil
	}

	end, err := a.parseDateTime(endText, year)
	if err != nil {
		return nil, nil, err
	}
	return begin, end, nil
}

// naverGraphQLQuery は完了・キャンセル済み予約の一覧クエリ。
const naverGraphQLQuery = `query bookings($input: BookingParams) {
  booking(input: $input) {
    id
    totalCount
    bookings {
      bookingId
      businessName
      serviceName
      bookingStatusCode
      isCompleted
      startDate
      endDate
      snapshotJson
    }
  }
}`

const (
	naverStatusCancelled = "RC04"
	naverTimeUnitDaily   = "RT03"
)

type naverSnapshot struct {
	BookingID           int64     `json:"bookingId"`
	ServiceName         string    `json:"serviceName"`
	BusinessItemName    string    `json:"bizItemName"`
	StartDateTime       time.Time `json:"startDateTime"`
	EndDateTime         time.Time `json:"endDateTime"`
	GlobalTimezone      string    `json:"globalTimezone"`
	BookingTimeUnitCode string    `json:"bookingTimeUnitCode"`
}

type naverGraphQLResponse struct {
	Data struct {
		Booking struct {
			Bookings []struct {
				BookingStatusCode string        `json:"bookingStatusCode"`
				SnapshotJSON      naverSnapshot `json:"snapshotJson"`
			} `json:"bookings"`
		} `json:"booking"`
	} `json:"data"`
}

// fetchCompleted はGraphQL APIから完了済み予約を取得する。
// キャンセル済みは結果に含めず、照合側でinvalid化させる。
func (a *Naver) fetchCompleted(ctx context.Context, bundle model.SecretBundle) ([]model.Reservation, error) {
	client, err := jarClient(a.base, naverBaseURL, map[string]string{
		"NID_AUT": bundle["nid_aut"],
		"NID_SES": bundle["nid_ses"],
	})
	if err != nil {
		return nil, unreachable(a.Provider(), err)
	}

	payload, err := json.Marshal(map[string]any{
		"operationName": "bookings",
		"variables": map[string]any{
			"input": map[string]any{
				"queryType":            "RC04,RC08",
				"businessMainCategory": "ALL",
				"startDate":            nil,
				"endDate":              nil,
				"size":                 10,
				"page":                 0,
			},
		},
		"query": naverGraphQLQuery,
	})
	if err != nil {
		return nil, unreachable(a.Provider(), err)
	}

	req, err := http.NewRequest(http.MethodPost, naverGraphQLURL, bytes.NewReader(payload))
	if err != nil {
		return nil, unreachable(a.Provider(), err)
	}
	req.Header.Set("Content-Type", "application/json")

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

	var decoded naverGraphQLResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		if looksLikeHTML(body) {
			return nil, sessionExpired(a.Provider(), "login page returned")
		}
		return nil, parseFailure(a.Provider(), "failed to decode graphql response", err)
	}

	var reservations []model.Reservation
	for _, b := range decoded.Data.Booking.Bookings {
		if b.BookingStatusCode == naverStatusCancelled {
			continue
		}

		snap := b.SnapshotJSON
		r := model.Reservation{
			ID:     a.Provider().IDPrefix() + strconv.FormatInt(snap.BookingID, 10),
			Title:  a.sanitizer.Sanitize(snap.ServiceName),
			Detail: a.sanitizer.Sanitize(snap.BusinessItemName),
		}

		if snap.BookingTimeUnitCode == naverTimeUnitDaily {
			// 日単位予約は終日イベントとして扱う
			if snap.GlobalTimezone != "Asia/Seoul" {
				return nil, parseFailure(a.Provider(), "not mapped timezone: "+snap.GlobalTimezone, nil)
			}
			r.DateBegin = dateOf(snap.StartDateTime.In(locKST))
			end := dateOf(snap.EndDateTime.Add(24 * time.Hour).In(locKST))
			r.DateEnd = &end
		} else {
			utc := snap.StartDateTime.UTC()
			r.DateBegin = dateOf(utc)
			r.TimeBegin = timeOfDay(utc)
		}

		reservations = append(reservations, r)
	}

	return reservations, nil
}

// compile-time interface check
var _ Adapter = (*Naver)(nil)
