package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hitoshi/calhub/internal/model"
	"github.com/hitoshi/calhub/internal/security"
)

const (
	catchTableBaseURL   = "https://app.catchtable.co.kr/"
	catchTableListURL   = "https://app.catchtable.co.kr/api/v4/user/reservations/_list?statusGroup=PLANNED&sortCode=DESC&size=10"
	catchTablePingURL   = "https://app.catchtable.co.kr/api/v3/user/lastLoginTime"
	catchTableDetailURL = "https://app.catchtable.co.kr/ct/customer/reservation/detail/"
)

type catchTableShop struct {
	ShopName    string `json:"shopName"`
	ShopAddress string `json:"shopAddress"`
	LandName    string `json:"landName"`
	FoodKind    string `json:"foodKind"`
}

type catchTableDining struct {
	VisitDateTime int64 `json:"visitDateTime"`
}

type catchTableItem struct {
	ReservationType string           `json:"reservationType"`
	ReservationRef  string           `json:"reservationRef"`
	Dining          catchTableDining `json:"dining"`
	Shop            catchTableShop   `json:"shop"`
}

type catchTableListResponse struct {
	Data struct {
		Items []catchTableItem `json:"items"`
	} `json:"data"`
}

// CatchTable はレストラン予約サイトのアダプタ。
// 認証はx-ct-aクッキー1個で、一覧はJSON APIから取得できる。
type CatchTable struct {
	base      *http.Client
	sanitizer security.TextSanitizerService
}

// NewCatchTable はCatchTableアダプタを生成する。
func NewCatchTable(base *http.Client, sanitizer security.TextSanitizerService) *CatchTable {
	return &CatchTable{base: base, sanitizer: sanitizer}
}

// Provider は対応するプロバイダーを返す。
func (a *CatchTable) Provider() model.Provider { return model.ProviderCatchTable }

// SecretFields は必要な認証情報フィールドを返す。
func (a *CatchTable) SecretFields() []string { return []string{"x_ct_a"} }

// Fetch は予約一覧を取得する。
// ウェイティング(WAITING)は日時が定まらないため結果に含めない。
func (a *CatchTable) Fetch(ctx context.Context, bundle model.SecretBundle) ([]model.Reservation, error) {
	if err := ValidateBundle(a, bundle); err != nil {
		return nil, err
	}

	client, err := jarClient(a.base, catchTableBaseURL, map[string]string{
		"x-ct-a": bundle["x_ct_a"],
	})
	if err != nil {
		return nil, unreachable(a.Provider(), err)
	}

	req, err := http.NewRequest(http.MethodGet, catchTableListURL, nil)
	if err != nil {
		return nil, unreachable(a.Provider(), err)
	}

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

	var list catchTableListResponse
	if err := json.Unmarshal(body, &list); err != nil {
		if looksLikeHTML(body) {
			return nil, sessionExpired(a.Provider(), "login page returned")
		}
		return nil, parseFailure(a.Provider(), "failed to decode reservation list", err)
	}

	var reservations []model.Reservation
	for _, item := range list.Data.Items {
		if item.ReservationType != "DINING" {
			continue
		}
		if item.ReservationRef == "" {
			return nil, parseFailure(a.Provider(), "missing reservationRef", nil)
		}

		visit := time.UnixMilli(item.Dining.VisitDateTime).UTC()
		dateBegin := dateOf(visit)
		timeBegin := timeOfDay(visit)
		detailURL := catchTableDetailURL + item.ReservationRef
		location := a.sanitizer.Sanitize(item.Shop.ShopAddress)

		reservations = append(reservations, model.Reservation{
			ID:    a.Provider().IDPrefix() + item.ReservationRef,
			Title: a.sanitizer.Sanitize(item.Shop.ShopName),
			Detail: a.sanitizer.Sanitize(fmt.Sprintf(
				"%s - %s", item.Shop.LandName, item.Shop.FoodKind,
			)),
			DateBegin: dateBegin,
			TimeBegin: timeBegin,
			Location:  &location,
			URL:       &detailURL,
		})
	}

	return reservations, nil
}

// Ping は最終ログイン時刻APIを叩いてセッションを維持する。
func (a *CatchTable) Ping(ctx context.Context, bundle model.SecretBundle) error {
	if err := ValidateBundle(a, bundle); err != nil {
		return err
	}

	client, err := jarClient(a.base, catchTableBaseURL, map[string]string{
		"x-ct-a": bundle["x_ct_a"],
	})
	if err != nil {
		return unreachable(a.Provider(), err)
	}

	req, err := http.NewRequest(http.MethodPost, catchTablePingURL, nil)
	if err != nil {
		return unreachable(a.Provider(), err)
	}
	_, _, err = doRequest(ctx, client, req, a.Provider())
	return err
}

// compile-time interface check
var _ Adapter = (*CatchTable)(nil)
