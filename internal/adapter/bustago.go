package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/calhub/internal/model"
	"github.com/hitoshi/calhub/internal/security"
)

const (
	bustagoBaseURL     = "https://www.bustago.or.kr/"
	bustagoListURL     = "https://www.bustago.or.kr/newweb/kr/reserve/reservejson.do"
	bustagoLineURL     = "https://www.bustago.or.kr/newweb/kr/reserve/reserveline.do"
	bustagoRefererURL  = "https://www.bustago.or.kr/newweb/kr/reserve/reservelist.do"
	bustagoPingURL     = "https://www.bustago.or.kr/newweb/kr/mypage/myPage.do"
	bustagoLookupDays  = 7
	bustagoSeatCancelD = "2" // all_seat_statusの全席キャンセル値
)

// bustagoRequiredFields は予約系エンドポイントが空でも存在を要求するフォームフィールド。
var bustagoRequiredFields = []string{
	"type", "searchDate", "searchTime", "routecode", "sterCode", "eterCode",
	"sterName", "eterName", "reserveNo", "sdate", "totalSeat", "startTime",
	"totCnt", "seatNos", "totAMT", "seatNo", "oldSeatNo", "oldSeatNos",
	"reserveTime", "startDate", "ccType", "cardno", "birthdate", "tel",
	"stime", "appv_no", "org_reserve_no", "org_reserve_time", "reserve_cd",
	"hd_cancle_no", "reserveTime1", "startDate1", "sdate1", "startTime1",
	"reserveNo1", "sterCode1", "appv_no1", "reserveTime2", "startDate2",
	"sdate2", "startTime2", "reserveNo2", "sterCode2", "appv_no2",
	"ccType1", "ccType2", "now_status", "card_No", "Amount", "ticket_no",
	"cardNumber", "startDateParam", "EndDateParam", "tokenId",
}

type bustagoReservation struct {
	AllSeatStatus   string `json:"all_seat_status"`
	ApprovalNumber  string `json:"ccard_appv_no"`
	ArrTerminalName string `json:"arr_ter_nm"`
	ArrTerminalCode string `json:"arr_ter_id"`
	DepTerminalName string `json:"dep_ter_nm"`
	DepTerminalCode string `json:"dep_ter_id"`
	ReservationNo   string `json:"org_reserve_no"`
	ReservationDate string `json:"reserve_dt"`
	DepartureDate   string `json:"sdate"`
	DepartureTime   string `json:"stime"`
	RouteCode       string `json:"routeCode"`
	CardNumber      string `json:"cardNo"`
	TotalSeatCount  string `json:"tot_seat_cnt"`
	OperatorName    string `json:"transp_bizr_abbr_nm"`
}

type bustagoListResponse struct {
	List []bustagoReservation `json:"list"`
}

type bustagoLineInfo struct {
	DepTerminalName string `json:"dep_ter_nm"`
	ArrTerminalName string `json:"arr_ter_nm"`
	DistanceMinutes int64  `json:"dist_time"`
}

type bustagoLineResponse struct {
	List []bustagoLineInfo `json:"list"`
}

// Bustago は市外バス予約サイトのアダプタ。
// 一覧はJSONで取得できるが、所要時間は路線情報エンドポイントを別途引く必要がある。
type Bustago struct {
	base      *http.Client
	sanitizer security.TextSanitizerService
}

// NewBustago はBustagoアダプタを生成する。
func NewBustago(base *http.Client, sanitizer security.TextSanitizerService) *Bustago {
	return &Bustago{base: base, sanitizer: sanitizer}
}

// Provider は対応するプロバイダーを返す。
func (a *Bustago) Provider() model.Provider { return model.ProviderBustago }

// SecretFields は必要な認証情報フィールドを返す。
func (a *Bustago) SecretFields() []string { return []string{"jsessionid", "user_number"} }

// Fetch は予約一覧を取得する。
func (a *Bustago) Fetch(ctx context.Context, bundle model.SecretBundle) ([]model.Reservation, error) {
	if err := ValidateBundle(a, bundle); err != nil {
		return nil, err
	}

	client, err := jarClient(a.base, bustagoBaseURL, map[string]string{
		"JSESSIONID": bundle["jsessionid"],
	})
	if err != nil {
		return nil, unreachable(a.Provider(), err)
	}

	nowKST := time.Now().In(locKST)
	form := a.baseForm(bundle["user_number"], nowKST)

	body, err := a.postForm(ctx, client, bustagoListURL, form)
	if err != nil {
		return nil, err
	}

	var list bustagoListResponse
	if err := json.Unmarshal(body, &list); err != nil {
		// 未ログイン時はJSONではなくログインページHTMLが返る
		if looksLikeHTML(body) {
			return nil, sessionExpired(a.Provider(), "login page returned")
		}
		return nil, parseFailure(a.Provider(), "failed to decode reservation list", err)
	}

	var reservations []model.Reservation
	for _, item := range list.List {
		if item.AllSeatStatus == bustagoSeatCancelD {
			// 全席キャンセル済み。結果に含めず、照合側でinvalid化させる
			continue
		}

		r, err := a.buildReservation(ctx, client, form, item)
		if err != nil {
			return nil, err
		}
		reservations = append(reservations, *r)
	}

	return reservations, nil
}

// Ping はマイページを叩いてセッションを維持する。
func (a *Bustago) Ping(ctx context.Context, bundle model.SecretBundle) error {
	if err := ValidateBundle(a, bundle); err != nil {
		return err
	}

	client, err := jarClient(a.base, bustagoBaseURL, map[string]string{
		"JSESSIONID": bundle["jsessionid"],
	})
	if err != nil {
		return unreachable(a.Provider(), err)
	}

	req, err := http.NewRequest(http.MethodPost, bustagoPingURL, nil)
	if err != nil {
		return unreachable(a.Provider(), err)
	}
	_, _, err = doRequest(ctx, client, req, a.Provider())
	return err
}

// baseForm は予約系エンドポイント共通のフォームを組み立てる。
func (a *Bustago) baseForm(userNumber string, nowKST time.Time) url.Values {
	form := url.Values{}
	for _, key := range bustagoRequiredFields {
		form.Set(key, "")
	}
	form.Set("fromDate", numericDate(nowKST))
	form.Set("toDate", numericDate(nowKST.AddDate(0, 0, bustagoLookupDays)))
	form.Set("v_dateGb", "2")
	form.Set("v_status", "0")
	form.Set("page", "1")
	form.Set("userNumber", userNumber)
	return form
}

func (a *Bustago) postForm(ctx context.Context, client *http.Client, rawURL string, form url.Values) ([]byte, error) {
	req, err := http.NewRequest(http.MethodPost, rawURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, unreachable(a.Provider(), err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Referer", bustagoRefererURL)

	res, body, err := doRequest(ctx, client, req, a.Provider())
	if err != nil {
		return nil, err
	}
	if res.StatusCode != http.StatusOK {
		return nil, sessionExpired(a.Provider(), fmt.Sprintf("status %d", res.StatusCode))
	}
	return body, nil
}

// buildReservation は路線情報で所要時間を補完して1件分を組み立てる。
func (a *Bustago) buildReservation(ctx context.Context, client *http.Client, form url.Values, item bustagoReservation) (*model.Reservation, error) {
	lineForm := url.Values{}
	for k, v := range form {
		lineForm[k] = v
	}
	lineForm.Set("routecode", item.RouteCode)
	lineForm.Set("sterCode", item.DepTerminalCode)
	lineForm.Set("eterCode", item.ArrTerminalCode)
	lineForm.Set("sterName", item.DepTerminalName)
	lineForm.Set("eterName", item.ArrTerminalName)
	lineForm.Set("reserveNo", item.ReservationNo)
	lineForm.Set("sdate", item.DepartureDate)
	lineForm.Set("totalSeat", item.TotalSeatCount)
	lineForm.Set("startTime", item.DepartureTime)
	lineForm.Set("reserveTime", item.ReservationDate)
	lineForm.Set("stime", item.DepartureTime)
	lineForm.Set("appv_no", item.ApprovalNumber)
	lineForm.Set("org_reserve_no", item.ReservationNo)
	lineForm.Set("org_reserve_time", item.ReservationDate)
	lineForm.Set("reserve_cd", item.ReservationNo)
	lineForm.Set("card_No", item.CardNumber)
	lineForm.Set("ticket_no", item.ReservationNo)
	lineForm.Set("cardNumber", item.CardNumber)

	body, err := a.postForm(ctx, client, bustagoLineURL, lineForm)
	if err != nil {
		return nil, err
	}

	var line bustagoLineResponse
	if err := json.Unmarshal(body, &line); err != nil {
		return nil, parseFailure(a.Provider(), "failed to decode line info", err)
	}
	if len(line.List) == 0 {
		return nil, parseFailure(a.Provider(), "empty line info for "+item.ReservationNo, nil)
	}
	distance := line.List[len(line.List)-1].DistanceMinutes

	begin, err := time.ParseInLocation("20060102 1504", item.DepartureDate+" "+item.DepartureTime, locKST)
	if err != nil {
		return nil, parseFailure(a.Provider(), "failed to parse departure datetime", err)
	}
	end := begin.Add(time.Duration(distance) * time.Minute)

	dateBegin, timeBegin := splitUTC(begin)
	dateEnd, timeEnd := splitUTC(end)

	return &model.Reservation{
		ID: a.Provider().IDPrefix() + item.ReservationNo,
		Title: a.sanitizer.Sanitize(fmt.Sprintf(
			"%s발 %s행 시외버스", item.DepTerminalName, item.ArrTerminalName,
		)),
		Detail: fmt.Sprintf(
			"회사: %s\n좌석번호: %s",
			a.sanitizer.Sanitize(item.OperatorName), a.sanitizer.Sanitize(item.TotalSeatCount),
		),
		DateBegin: dateBegin,
		TimeBegin: timeBegin,
		DateEnd:   &dateEnd,
		TimeEnd:   timeEnd,
	}, nil
}

// numericDate はYYYYMMDD形式の日付文字列を返す。
func numericDate(t time.Time) string {
	return strconv.Itoa(t.Year()*10000 + int(t.Month())*100 + t.Day())
}

// looksLikeHTML はレスポンスがHTMLページかを雑に判定する。
func looksLikeHTML(body []byte) bool {
	trimmed := strings.TrimSpace(string(body))
	return strings.HasPrefix(trimmed, "<")
}

// compile-time interface check
var _ Adapter = (*Bustago)(nil)
