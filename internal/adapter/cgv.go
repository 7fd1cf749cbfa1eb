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

	"github.com/hitoshi/calhub/internal/model"
	"github.com/hitoshi/calhub/internal/security"
)

const (
	cgvBaseURL   = "https://m.cgv.co.kr/"
	cgvListURL   = "https://m.cgv.co.kr/WebApp/MyCgvV5/paymentList.aspx/GetReservationListPaging"
	cgvDetailURL = "https://m.cgv.co.kr/WebApp/MyCgvV5/reservationDetail.aspx?bookingnumber="
	cgvListDays  = 7
)

var (
	cgvDetailIDRe = regexp.MustCompile(`javascript:fnReservDetail\('([^']+)'\)`)
	cgvDateRe     = regexp.MustCompile(`(\d+)/(\d+)`)
	cgvTimeRe     = regexp.MustCompile(`(\d+):(\d+)\s*~\s*(\d+):(\d+)`)
)

type cgvListResponse struct {
	Data struct {
		ReservationListHTML *string `json:"ReservationListHtml"`
	} `json:"d"`
}

// CGV は映画館チェーンCGVのアダプタ。
// 一覧APIはHTML断片をJSONに包んで返すため、断片から予約番号を拾い、
// 予約ごとに詳細ページをスクレイプする。
type CGV struct {
	base      *http.Client
	sanitizer security.TextSanitizerService
}

// NewCGV はCGVアダプタを生成する。
func NewCGV(base *http.Client, sanitizer security.TextSanitizerService) *CGV {
	return &CGV{base: base, sanitizer: sanitizer}
}

// Provider は対応するプロバイダーを返す。
func (a *CGV) Provider() model.Provider { return model.ProviderCGV }

// SecretFields は必要な認証情報フィールドを返す。
func (a *CGV) SecretFields() []string { return []string{"webauth", "aspxauth"} }

func (a *CGV) client(bundle model.SecretBundle) (*http.Client, error) {
	return jarClient(a.base, cgvBaseURL, map[string]string{
		"WEBAUTH":   bundle["webauth"],
		".ASPXAUTH": bundle["aspxauth"],
	})
}

// Fetch は予約一覧を取得する。
func (a *CGV) Fetch(ctx context.Context, bundle model.SecretBundle) ([]model.Reservation, error) {
	if err := ValidateBundle(a, bundle); err != nil {
		return nil, err
	}

	client, err := a.client(bundle)
	if err != nil {
		return nil, unreachable(a.Provider(), err)
	}

	nowKST := time.Now().In(locKST)
	listHTML, err := a.fetchListHTML(ctx, client, nowKST)
	if err != nil {
		return nil, err
	}
	if listHTML == "" {
		return nil, nil
	}

	matches := cgvDetailIDRe.FindAllStringSubmatch(listHTML, -1)
	var reservations []model.Reservation
	for _, m := range matches {
		r, err := a.fetchDetail(ctx, client, m[1], nowKST.Year())
		if err != nil {
			return nil, err
		}
		reservations = append(reservations, *r)
	}

	return reservations, nil
}

// Ping はトップページを叩いてセッションを維持する。
func (a *CGV) Ping(ctx context.Context, bundle model.SecretBundle) error {
	if err := ValidateBundle(a, bundle); err != nil {
		return err
	}

	client, err := a.client(bundle)
	if err != nil {
		return unreachable(a.Provider(), err)
	}

	req, err := http.NewRequest(http.MethodPost, cgvBaseURL, nil)
	if err != nil {
		return unreachable(a.Provider(), err)
	}
	res, _, err := doRequest(ctx, client, req, a.Provider())
	if err != nil {
		return err
	}
	if res.StatusCode != http.StatusOK {
		return sessionExpired(a.Provider(), fmt.Sprintf("status %d", res.StatusCode))
	}
	return nil
}

func (a *CGV) fetchListHTML(ctx context.Context, client *http.Client, nowKST time.Time) (string, error) {
	requestData, err := json.Marshal(map[string]any{
		"UserId":         "",
		"Ssn":            "",
		"AppType":        "",
		"RegistSite":     "",
		"BookingStateCd": "A",
		"SortCd":         "R",
		"SelectStartDT":  nowKST.AddDate(0, 0, -cgvListDays).Format("2006-01-02"),
		"SelectEndDT":    nowKST.Format("2006-01-02"),
		"ShowCnt":        10,
		"NowPage":        1,
	})
	if err != nil {
		return "", unreachable(a.Provider(), err)
	}
	payload, err := json.Marshal(map[string]string{"requestData": string(requestData)})
	if err != nil {
		return "", unreachable(a.Provider(), err)
	}

	req, err := http.NewRequest(http.MethodPost, cgvListURL, bytes.NewReader(payload))
	if err != nil {
		return "", unreachable(a.Provider(), err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, body, err := doRequest(ctx, client, req, a.Provider())
	if err != nil {
		return "", err
	}
	if res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden {
		return "", sessionExpired(a.Provider(), fmt.Sprintf("status %d", res.StatusCode))
	}
	if res.StatusCode != http.StatusOK {
		return "", parseFailure(a.Provider(), fmt.Sprintf("unexpected status %d", res.StatusCode), nil)
	}

	var list cgvListResponse
	if err := json.Unmarshal(body, &list); err != nil {
		if looksLikeHTML(body) {
			return "", sessionExpired(a.Provider(), "login page returned")
		}
		return "", parseFailure(a.Provider(), "failed to decode reservation list", err)
	}
	if list.Data.ReservationListHTML == nil {
		return "", nil
	}
	return *list.Data.ReservationListHTML, nil
}

// fetchDetail は予約詳細ページをスクレイプして1件分を組み立てる。
// 一覧には上映年が含まれないため、現在のKST年を使う。
func (a *CGV) fetchDetail(ctx context.Context, client *http.Client, bookingNumber string, year int) (*model.Reservation, error) {
	req, err := http.NewRequest(http.MethodGet, cgvDetailURL+bookingNumber, nil)
	if err != nil {
		return nil, unreachable(a.Provider(), err)
	}

	res, body, err := doRequest(ctx, client, req, a.Provider())
	if err != nil {
		return nil, err
	}
	if res.StatusCode != http.StatusOK {
		return nil, sessionExpired(a.Provider(), fmt.Sprintf("detail status %d", res.StatusCode))
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, parseFailure(a.Provider(), "failed to parse detail html", err)
	}

	movieTitle := strings.TrimSpace(doc.Find(".movie-tit").First().Text())
	if movieTitle == "" {
		return nil, parseFailure(a.Provider(), "failed to find movie title", nil)
	}

	date, timeBegin, timeEnd, err := a.parseDateTime(doc, year)
	if err != nil {
		return nil, err
	}

	// 終了が開始より前なら日をまたぐ上映
	dateBegin := date
	dateEnd := date
	if !timeEnd.After(timeBegin) {
		dateEnd = dateEnd.AddDate(0, 0, 1)
	}
	beginKST := time.Date(dateBegin.Year(), dateBegin.Month(), dateBegin.Day(), timeBegin.Hour(), timeBegin.Minute(), 0, 0, locKST)
	endKST := time.Date(dateEnd.Year(), dateEnd.Month(), dateEnd.Day(), timeEnd.Hour(), timeEnd.Minute(), 0, 0, locKST)

	theater, detail, err := a.parseTicketDetail(doc)
	if err != nil {
		return nil, err
	}

	dBegin, tBegin := splitUTC(beginKST)
	dEnd, tEnd := splitUTC(endKST)
	detailURL := cgvDetailURL + bookingNumber
	location := a.sanitizer.Sanitize(theater)

	return &model.Reservation{
		ID:        a.Provider().IDPrefix() + bookingNumber,
		Title:     a.sanitizer.Sanitize(fmt.Sprintf("%s - %s", movieTitle, theater)),
		Detail:    detail,
		DateBegin: dBegin,
		TimeBegin: tBegin,
		DateEnd:   &dEnd,
		TimeEnd:   tEnd,
		Location:  &location,
		URL:       &detailURL,
	}, nil
}

// parseDateTime は「상영일」「상영시간」の行から日付と開始・終了時刻を取り出す。
func (a *CGV) parseDateTime(doc *goquery.Document, year int) (date time.Time, begin time.Time, end time.Time, err error) {
	var found bool
	doc.Find(".date-n-runningtime div").Each(func(_ int, div *goquery.Selection) {
		key := strings.TrimSpace(div.Find(".inner-tit").First().Text())
		value := strings.TrimSpace(div.Find(".inner-cnt").First().Text())
		switch key {
		case "상영일":
			if m := cgvDateRe.FindStringSubmatch(value); m != nil {
				month, _ := strconv.Atoi(m[1])
				day, _ := strconv.Atoi(m[2])
				date = time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
				found = true
			}
		case "상영시간":
			if m := cgvTimeRe.FindStringSubmatch(value); m != nil {
				bh, _ := strconv.Atoi(m[1])
				bm, _ := strconv.Atoi(m[2])
				eh, _ := strconv.Atoi(m[3])
				em, _ := strconv.Atoi(m[4])
				// 深夜上映は25:30のような表記になる
				begin = time.Date(0, 1, 1, bh%24, bm, 0, 0, time.UTC)
				end = time.Date(0, 1, 1, eh%24, em, 0, 0, time.UTC)
			}
		}
	})
	if !found || (begin.IsZero() && end.IsZero()) {
		return time.Time{}, time.Time{}, time.Time{}, parseFailure(a.Provider(), "failed to find date or time element", nil)
	}
	return date, begin, end, nil
}

// parseTicketDetail は劇場・上映館・座席の定義リストから場所と詳細文を組み立てる。
func (a *CGV) parseTicketDetail(doc *goquery.Document) (theater, detail string, err error) {
	var hall, seat string
	doc.Find(".ticket-detail dl").Each(func(_ int, dl *goquery.Selection) {
		key := strings.TrimSpace(dl.Find("dt").First().Text())
		value := strings.TrimSpace(dl.Find("dd").First().Text())
		switch key {
		case "극장":
			theater = value
		case "상영관":
			hall = value
		case "좌석":
			seat = value
		}
	})
	if theater == "" {
		return "", "", parseFailure(a.Provider(), "failed to find theater name", nil)
	}

	var sb strings.Builder
	if hall != "" {
		fmt.Fprintf(&sb, "상영관: %s\n", a.sanitizer.Sanitize(hall))
	}
	if seat != "" {
		fmt.Fprintf(&sb, "좌석: %s\n", a.sanitizer.Sanitize(seat))
	}
	return theater, sb.String(), nil
}

// compile-time interface check
var _ Adapter = (*CGV)(nil)
