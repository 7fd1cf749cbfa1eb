package adapter

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/hitoshi/calhub/internal/model"
)

const kobusListHTML = `<!DOCTYPE html>
<html><body>
<section class="newMobileTicket">
  <p class="date">2026. 3. 14 (토) 09:30</p>
  <div class="route">
    <span class="departure">서울경부</span>
    <span class="arrive">부산</span>
  </div>
  <p class="detail_info">4시간 15분 소요</p>
  <table class="tbl_info">
    <tr><th>예매번호</th><td>12345678</td></tr>
    <tr><th>좌석</th><td>15</td></tr>
  </table>
</section>
</body></html>`

func kobusBundle() model.SecretBundle {
	return model.SecretBundle{"jsessionid": "abc"}
}

func TestKobus_Fetch(t *testing.T) {
	client := fakeClient(func(req *http.Request) (*http.Response, error) {
		if req.URL.String() != kobusListURL {
			t.Errorf("想定外のURL: %s", req.URL)
		}
		if req.Method != http.MethodPost {
			t.Errorf("Method = %s, want POST", req.Method)
		}
		if c, err := req.Cookie("JSESSIONID"); err != nil || c.Value != "abc" {
			t.Error("JSESSIONIDクッキーが載っていない")
		}
		return textResponse(http.StatusOK, kobusListHTML), nil
	})
	a := NewKobus(client, testSanitizer())

	reservations, err := a.Fetch(context.Background(), kobusBundle())
	if err != nil {
		t.Fatalf("Fetchに失敗: %v", err)
	}
	if len(reservations) != 1 {
		t.Fatalf("len = %d, want 1", len(reservations))
	}

	r := reservations[0]
	if r.ID != "kobus/12345678" {
		t.Errorf("ID = %s, want kobus/12345678", r.ID)
	}
	if r.Title != "서울경부발 부산행 고속버스" {
		t.Errorf("Title = %q", r.Title)
	}
	// KST 3/14 09:30発、4時間15分乗車 → UTC 00:30〜04:45
	if got := r.DateBegin.Format(time.DateOnly); got != "2026-03-14" {
		t.Errorf("DateBegin = %s", got)
	}
	if got := r.TimeBegin.Format("15:04"); got != "00:30" {
		t.Errorf("TimeBegin = %s, want 00:30", got)
	}
	if r.TimeEnd == nil || r.TimeEnd.Format("15:04") != "04:45" {
		t.Errorf("TimeEnd = %v, want 04:45", r.TimeEnd)
	}
}

func TestKobus_Fetch_SessionExpired(t *testing.T) {
	client := fakeClient(func(req *http.Request) (*http.Response, error) {
		return textResponse(http.StatusFound, ""), nil
	})
	a := NewKobus(client, testSanitizer())

	_, err := a.Fetch(context.Background(), kobusBundle())
	if KindOf(err) != KindSessionExpired {
		t.Errorf("Kind = %s, want session_expired", KindOf(err))
	}
}

func TestKobus_Fetch_BrokenDate(t *testing.T) {
	html := `<section class="newMobileTicket"><p class="date">unknown</p></section>`
	client := fakeClient(func(req *http.Request) (*http.Response, error) {
		return textResponse(http.StatusOK, html), nil
	})
	a := NewKobus(client, testSanitizer())

	_, err := a.Fetch(context.Background(), kobusBundle())
	if KindOf(err) != KindParseFailure {
		t.Errorf("Kind = %s, want parse_failure", KindOf(err))
	}
}

func TestKobus_Fetch_EmptyList(t *testing.T) {
	client := fakeClient(func(req *http.Request) (*http.Response, error) {
		return textResponse(http.StatusOK, "<html><body></body></html>"), nil
	})
	a := NewKobus(client, testSanitizer())

	reservations, err := a.Fetch(context.Background(), kobusBundle())
	if err != nil {
		t.Fatalf("Fetchに失敗: %v", err)
	}
	if len(reservations) != 0 {
		t.Errorf("len = %d, want 0", len(reservations))
	}
}

func TestKobusDurationRe(t *testing.T) {
	tests := []struct {
		text    string
		hours   string
		minutes string
	}{
		{"4시간 15분 소요", "4", "15"},
		{"2시간 소요", "2", ""},
		{"50분 소요", "", "50"},
	}
	for _, tt := range tests {
		m := kobusDurationRe.FindStringSubmatch(tt.text)
		if m == nil {
			t.Errorf("%q がマッチしない", tt.text)
			continue
		}
		if m[2] != tt.hours || m[4] != tt.minutes {
			t.Errorf("%q: hours=%q minutes=%q, want %q/%q", tt.text, m[2], m[4], tt.hours, tt.minutes)
		}
	}
}
