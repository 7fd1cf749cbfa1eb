package adapter

import (
	"bytes"
	"context"
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
	kobusListURL = "https://kobus.co.kr/mrs/mrscfm.do"
	kobusBaseURL = "https://kobus.co.kr/"
)

var (
	// 例: "2026. 3. 14 (土) 09:30"
	kobusDateRe = regexp.MustCompile(`^(\d+)\.\s*(\d+)\.\s*(\d+)[^\d]+(\d+):(\d+)`)
	// 例: "2시간 30분 소요"
	kobusDurationRe = regexp.MustCompile(`^((\d+)시간)?\s*((\d+)분)?\s*소요$`)
)

// Kobus は高速バス予約サイトのアダプタ。
// 予約一覧ページのHTMLからモバイルチケットカードをスクレイプする。
type Kobus struct {
	base      *http.Client
	sanitizer security.TextSanitizerService
}

// NewKobus はKobusアダプタを生成する。
func NewKobus(base *http.Client, sanitizer security.TextSanitizerService) *Kobus {
	return &Kobus{base: base, sanitizer: sanitizer}
}

// Provider は対応するプロバイダーを返す。
func (a *Kobus) Provider() model.Provider { return model.ProviderKobus }

// SecretFields は必要な認証情報フィールドを返す。
func (a *Kobus) SecretFields() []string { return []string{"jsessionid"} }

// Fetch は予約一覧を取得する。
func (a *Kobus) Fetch(ctx context.Context, bundle model.SecretBundle) ([]model.Reservation, error) {
	if err := ValidateBundle(a, bundle); err != nil {
		return nil, err
	}

	body, err := a.fetchListHTML(ctx, bundle)
	if err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, parseFailure(a.Provider(), "failed to parse ticket list html", err)
	}

	var reservations []model.Reservation
	var parseErr error
	doc.Find("section.newMobileTicket").EachWithBreak(func(_ int, card *goquery.Selection) bool {
		r, err := a.parseTicket(card)
		if err != nil {
			parseErr = err
			return false
		}
		reservations = append(reservations, *r)
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}

	return reservations, nil
}

// Ping はセッション維持のため一覧ページを叩く。
func (a *Kobus) Ping(ctx context.Context, bundle model.SecretBundle) error {
	if err := ValidateBundle(a, bundle); err != nil {
		return err
	}
	_, err := a.fetchListHTML(ctx, bundle)
	return err
}

func (a *Kobus) fetchListHTML(ctx context.Context, bundle model.SecretBundle) ([]byte, error) {
	client, err := jarClient(a.base, kobusBaseURL, map[string]string{
		"JSESSIONID": bundle["jsessionid"],
	})
	if err != nil {
		return nil, unreachable(a.Provider(), err)
	}

	req, err := http.NewRequest(http.MethodPost, kobusListURL, nil)
	if err != nil {
		return nil, unreachable(a.Provider(), err)
	}

	res, body, err := doRequest(ctx, client, req, a.Provider())
	if err != nil {
		return nil, err
	}
	// 未ログイン時はログインページへリダイレクトされるか200以外を返す
	if res.StatusCode != http.StatusOK {
		return nil, sessionExpired(a.Provider(), fmt.Sprintf("status %d", res.StatusCode))
	}
	return body, nil
}

func (a *Kobus) parseTicket(card *goquery.Selection) (*model.Reservation, error) {
	dateText := strings.TrimSpace(card.Find(".date").First().Text())
	m := kobusDateRe.FindStringSubmatch(dateText)
	if m == nil {
		return nil, parseFailure(a.Provider(), "failed to parse departure date: "+dateText, nil)
	}
	year, _ := strconv.Atoi(m[1])
	month, _ := strconv.Atoi(m[2])
	day, _ := strconv.Atoi(m[3])
	hour, _ := strconv.Atoi(m[4])
	minute, _ := strconv.Atoi(m[5])
	begin := time.Date(year, time.Month(month), day, hour, minute, 0, 0, locKST)

	departure := strings.TrimSpace(card.Find(".departure").First().Text())
	arrive := strings.TrimSpace(card.Find(".arrive").First().Text())
	if departure == "" || arrive == "" {
		return nil, parseFailure(a.Provider(), "failed to find departure/arrive", nil)
	}

	durationText := strings.TrimSpace(card.Find(".detail_info").First().Text())
	dm := kobusDurationRe.FindStringSubmatch(durationText)
	if dm == nil {
		return nil, parseFailure(a.Provider(), "failed to parse duration: "+durationText, nil)
	}
	hours, _ := strconv.Atoi(dm[2])
	minutes, _ := strconv.Atoi(dm[4])
	end := begin.Add(time.Duration(hours)*time.Hour + time.Duration(minutes)*time.Minute)

	number := strings.TrimSpace(card.Find(".tbl_info tr:first-child td").First().Text())
	if number == "" {
		return nil, parseFailure(a.Provider(), "failed to find reservation number", nil)
	}

	dateBegin, timeBegin := splitUTC(begin)
	dateEnd, timeEnd := splitUTC(end)

	return &model.Reservation{
		ID:        a.Provider().IDPrefix() + number,
		Title:     a.sanitizer.Sanitize(fmt.Sprintf("%s발 %s행 고속버스", departure, arrive)),
		Detail:    "",
		DateBegin: dateBegin,
		TimeBegin: timeBegin,
		DateEnd:   &dateEnd,
		TimeEnd:   timeEnd,
	}, nil
}

// compile-time interface check
var _ Adapter = (*Kobus)(nil)
