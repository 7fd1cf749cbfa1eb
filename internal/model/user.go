// Package model はドメインモデルを定義する。
package model

import "time"

// User はサービス利用ユーザーを表す。
// 初回のGoogleログイン成功時に作成され、以後削除されない。
type User struct {
	ID        int64
	CreatedAt time.Time
}

// GoogleLink はユーザーとGoogleアカウントの紐付けを表す。
// トークン類はログインフローが、LastSyncedは同期オーケストレータが更新する。
type GoogleLink struct {
	UserID       int64
	Subject      string
	Email        string
	AccessToken  string
	RefreshToken string
	CalendarID   string
	LastSynced   time.Time
}

// Session はユーザーのログインセッションを表す。
type Session struct {
	ID        string
	UserID    int64
	ExpiresAt time.Time
	CreatedAt time.Time
}
