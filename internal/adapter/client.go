package adapter

import (
	"context"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"

	"golang.org/x/net/publicsuffix"

	"github.com/hitoshi/calhub/internal/model"
)

// userAgent はプロバイダーへのリクエストで名乗るUA。
// モバイルSafariとして扱われることを前提にしたマークアップを返すサイトがあるため固定する。
const userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/15.5 Safari/605.1.15"

// locKST は韓国標準時。プロバイダーの日時表記はすべてKST。
var locKST = time.FixedZone("KST", 9*60*60)

// jarClient はベースクライアントを複製し、認証情報バンドル由来のクッキーを
// 載せたジャーを持つクライアントを返す。
// ベースのTransport（SSRFガード付き）は共有し、ジャーのみフェッチごとに分離する。
func jarClient(base *http.Client, baseURL string, cookies map[string]string) (*http.Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, err
	}

	list := make([]*http.Cookie, 0, len(cookies))
	for name, value := range cookies {
		list = append(list, &http.Cookie{Name: name, Value: value, Path: "/"})
	}
	jar.SetCookies(u, list)

	c := *base
	c.Jar = jar
	return &c, nil
}

// doRequest はUA付きでリクエストを実行し、ボディを読み切って返す。
func doRequest(ctx context.Context, client *http.Client, req *http.Request, p model.Provider) (*http.Response, []byte, error) {
	req = req.WithContext(ctx)
	req.Header.Set("User-Agent", userAgent)

	res, err := client.Do(req)
	if err != nil {
		return nil, nil, classifyTransportError(p, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, nil, classifyTransportError(p, err)
	}
	return res, body, nil
}

// dateOf は時刻の日付部分をUTCの0時として返す。
func dateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// timeOfDay は時刻の時刻部分を返す。日付部分は比較に使われない。
func timeOfDay(t time.Time) *time.Time {
	tod := time.Date(0, time.January, 1, t.Hour(), t.Minute(), t.Second(), 0, time.UTC)
	return &tod
}

// splitUTC はKSTの日時をUTCへ変換し、日付と時刻に分解する。
func splitUTC(kst time.Time) (time.Time, *time.Time) {
	utc := kst.UTC()
	return dateOf(utc), timeOfDay(utc)
}
