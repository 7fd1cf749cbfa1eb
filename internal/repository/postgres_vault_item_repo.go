package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/calhub/internal/model"
)

// PostgresVaultItemRepo はPostgreSQLを使用した暗号化認証情報リポジトリ。
type PostgresVaultItemRepo struct {
	db *sql.DB
}

// NewPostgresVaultItemRepo はPostgresVaultItemRepoを生成する。
func NewPostgresVaultItemRepo(db *sql.DB) *PostgresVaultItemRepo {
	return &PostgresVaultItemRepo{db: db}
}

// Find は指定ユーザー・プロバイダーの暗号化済み認証情報を取得する。
// 見つからない場合はnilを返す。
func (r *PostgresVaultItemRepo) Find(ctx context.Context, userID int64, provider model.Provider) (*model.VaultItem, error) {
	item := &model.VaultItem{}
	err := r.db.QueryRowContext(ctx,
		`SELECT user_id, provider, nonce, data, updated_at
		 FROM vault_items
		 WHERE user_id = $1 AND provider = $2`,
		userID, string(provider),
	).Scan(&item.UserID, &item.Provider, &item.Nonce, &item.Data, &item.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find vault item: %w", err)
	}

	return item, nil
}

// Upsert は暗号化済み認証情報を冪等にUPSERTする。
func (r *PostgresVaultItemRepo) Upsert(ctx context.Context, item *model.VaultItem) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO vault_items (user_id, provider, nonce, data, updated_at)
		 VALUES ($1, $2, $3, $4, now())
		 ON CONFLICT (user_id, provider)
		 DO UPDATE SET nonce = EXCLUDED.nonce, data = EXCLUDED.data, updated_at = now()`,
		item.UserID, string(item.Provider), item.Nonce, item.Data,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert vault item: %w", err)
	}
	return nil
}

// ListProviders は指定ユーザーが認証情報を登録済みのプロバイダー一覧を返す。
func (r *PostgresVaultItemRepo) ListProviders(ctx context.Context, userID int64) ([]model.Provider, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT provider FROM vault_items WHERE user_id = $1 ORDER BY provider`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list vault providers: %w", err)
	}
	defer rows.Close()

	var providers []model.Provider
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan provider: %w", err)
		}
		p, err := model.ParseProvider(name)
		if err != nil {
			// 過去に対応を打ち切ったプロバイダーの行は読み飛ばす
			continue
		}
		providers = append(providers, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate vault providers: %w", err)
	}

	return providers, nil
}

// ListByProvider は指定プロバイダーの全ユーザー分の暗号化済み認証情報を返す。
func (r *PostgresVaultItemRepo) ListByProvider(ctx context.Context, provider model.Provider) ([]*model.VaultItem, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT user_id, provider, nonce, data, updated_at
		 FROM vault_items
		 WHERE provider = $1
		 ORDER BY user_id`,
		string(provider),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list vault items: %w", err)
	}
	defer rows.Close()

	var items []*model.VaultItem
	for rows.Next() {
		item := &model.VaultItem{}
		if err := rows.Scan(&item.UserID, &item.Provider, &item.Nonce, &item.Data, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan vault item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate vault items: %w", err)
	}

	return items, nil
}

// Delete は指定ユーザー・プロバイダーの認証情報を削除する。
func (r *PostgresVaultItemRepo) Delete(ctx context.Context, userID int64, provider model.Provider) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM vault_items WHERE user_id = $1 AND provider = $2`,
		userID, string(provider),
	)
	if err != nil {
		return fmt.Errorf("failed to delete vault item: %w", err)
	}
	return nil
}

// compile-time interface check
var _ VaultItemRepository = (*PostgresVaultItemRepo)(nil)
