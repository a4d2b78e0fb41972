package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "OpenLLM-Gateway/internal/errors"
	"OpenLLM-Gateway/internal/model"
	"OpenLLM-Gateway/internal/token"
	"OpenLLM-Gateway/internal/usage"
)

const duplicateEntryErrNo = 1062

// SQLStore 基于 MySQL 持久化令牌、模型目录与用量记录。
// 同时实现 token.Store、usage.Store 与 model.Catalog。
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore 建立连接并执行未应用的迁移。
func NewSQLStore(ctx context.Context, cfg Config) (*SQLStore, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLStore{db: db}, nil
}

// Close 释放数据库连接池。
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// FindTokenByHash 实现 token.Store。
func (s *SQLStore) FindTokenByHash(ctx context.Context, hash string) (*token.Token, error) {
	const query = `SELECT id, secret_hash, owner, scopes, allowed_models, allowed_apps,
balance, daily_limit, monthly_limit, expires_at, active, last_used_at
FROM gateway_tokens WHERE secret_hash = ?`
	row := s.db.QueryRowContext(ctx, query, strings.TrimSpace(hash))

	var record token.Token
	var scopes, allowedModels, allowedApps sql.NullString
	var active int
	if err := row.Scan(
		&record.ID, &record.SecretHash, &record.Owner,
		&scopes, &allowedModels, &allowedApps,
		&record.Balance, &record.DailyLimit, &record.MonthlyLimit,
		&record.ExpiresAt, &active, &record.LastUsedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, token.ErrTokenNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询访问令牌失败")
	}
	record.Active = active == 1
	var err error
	if record.Scopes, err = decodeStringList(scopes); err != nil {
		return nil, err
	}
	if record.AllowedModels, err = decodeStringList(allowedModels); err != nil {
		return nil, err
	}
	if record.AllowedApps, err = decodeStringList(allowedApps); err != nil {
		return nil, err
	}
	return &record, nil
}

// UsageTotals 实现 token.Store,按自然日与自然月聚合已消耗的 token 数。
func (s *SQLStore) UsageTotals(ctx context.Context, tokenID string, dayStart, monthStart time.Time) (token.Totals, error) {
	const query = `SELECT
COALESCE(SUM(CASE WHEN created_at >= ? THEN total_tokens ELSE 0 END), 0),
COALESCE(SUM(total_tokens), 0)
FROM gateway_usage_records
WHERE token_id = ? AND status = 'completed' AND created_at >= ?`

	var totals token.Totals
	row := s.db.QueryRowContext(ctx, query, dayStart, tokenID, monthStart)
	if err := row.Scan(&totals.Daily, &totals.Monthly); err != nil {
		return token.Totals{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计用量失败")
	}
	return totals, nil
}

// TouchLastUsed 实现 token.Store。
func (s *SQLStore) TouchLastUsed(ctx context.Context, tokenID string, usedAt time.Time) error {
	const query = `UPDATE gateway_tokens SET last_used_at = ? WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, query, usedAt.Unix(), tokenID); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新令牌使用时间失败")
	}
	return nil
}

// InsertRecord 实现 usage.Store。主键冲突视为重复投递,按成功处理。
func (s *SQLStore) InsertRecord(ctx context.Context, record *usage.Record) error {
	const query = `INSERT INTO gateway_usage_records
(id, request_id, token_id, owner, model_id, provider, application, operation,
prompt_tokens, completion_tokens, total_tokens,
cost_input, cost_output, cost_total, status, stage, error_message, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		record.ID, record.RequestID, record.TokenID, record.Owner,
		record.ModelID, record.Provider, record.Application, record.Operation,
		record.PromptTokens, record.CompletionTokens, record.TotalTokens,
		record.CostInput, record.CostOutput, record.CostTotal,
		record.Status, record.Stage, record.ErrorMessage, record.CreatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == duplicateEntryErrNo {
			return nil
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入用量记录失败")
	}
	return nil
}

// DeductBalance 实现 usage.Store。余额在库内钳制为非负,并发扣减下
// 可能出现轻微超扣,后续校验会因余额归零而拒绝请求。
func (s *SQLStore) DeductBalance(ctx context.Context, tokenID string, amount int64) error {
	if amount <= 0 {
		return nil
	}
	const query = `UPDATE gateway_tokens SET balance = GREATEST(balance - ?, 0) WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, query, amount, tokenID); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "扣减令牌余额失败")
	}
	return nil
}

// FindModel 实现 model.Catalog。
func (s *SQLStore) FindModel(ctx context.Context, id string) (*model.Config, error) {
	const query = `SELECT id, provider, upstream_model, base_url, price_in, price_out, display_name
FROM gateway_models WHERE id = ?`
	row := s.db.QueryRowContext(ctx, query, strings.ToLower(strings.TrimSpace(id)))

	var cfg model.Config
	if err := row.Scan(&cfg.ID, &cfg.Provider, &cfg.UpstreamModel, &cfg.BaseURL,
		&cfg.PriceIn, &cfg.PriceOut, &cfg.DisplayName); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrModelNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询模型配置失败")
	}
	return &cfg, nil
}

// ListModels 实现 model.Catalog。
func (s *SQLStore) ListModels(ctx context.Context) ([]*model.Config, error) {
	const query = `SELECT id, provider, upstream_model, base_url, price_in, price_out, display_name
FROM gateway_models ORDER BY id`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询模型列表失败")
	}
	defer rows.Close()

	var configs []*model.Config
	for rows.Next() {
		var cfg model.Config
		if err := rows.Scan(&cfg.ID, &cfg.Provider, &cfg.UpstreamModel, &cfg.BaseURL,
			&cfg.PriceIn, &cfg.PriceOut, &cfg.DisplayName); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析模型配置失败")
		}
		configs = append(configs, &cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历模型列表失败")
	}
	return configs, nil
}

// CreateToken 写入一条新令牌,哈希重复视为已存在。
func (s *SQLStore) CreateToken(ctx context.Context, record *token.Token) error {
	scopes, err := encodeStringList(record.Scopes)
	if err != nil {
		return err
	}
	allowedModels, err := encodeStringList(record.AllowedModels)
	if err != nil {
		return err
	}
	allowedApps, err := encodeStringList(record.AllowedApps)
	if err != nil {
		return err
	}

	const query = `INSERT INTO gateway_tokens
(id, secret_hash, owner, scopes, allowed_models, allowed_apps,
balance, daily_limit, monthly_limit, expires_at, active, last_used_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	active := 0
	if record.Active {
		active = 1
	}
	if _, err := s.db.ExecContext(ctx, query,
		record.ID, record.SecretHash, record.Owner,
		scopes, allowedModels, allowedApps,
		record.Balance, record.DailyLimit, record.MonthlyLimit,
		record.ExpiresAt, active, record.LastUsedAt,
	); err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == duplicateEntryErrNo {
			return xerrors.New(xerrors.CodeInvalidArgument, "令牌已存在")
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入访问令牌失败")
	}
	return nil
}

// UpsertModel 新增或更新一条模型目录配置。
func (s *SQLStore) UpsertModel(ctx context.Context, cfg *model.Config) error {
	const query = `INSERT INTO gateway_models
(id, provider, upstream_model, base_url, price_in, price_out, display_name)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
provider = VALUES(provider), upstream_model = VALUES(upstream_model),
base_url = VALUES(base_url), price_in = VALUES(price_in),
price_out = VALUES(price_out), display_name = VALUES(display_name)`
	if _, err := s.db.ExecContext(ctx, query,
		strings.ToLower(strings.TrimSpace(cfg.ID)), cfg.Provider, cfg.UpstreamModel,
		cfg.BaseURL, cfg.PriceIn, cfg.PriceOut, cfg.DisplayName,
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入模型配置失败")
	}
	return nil
}

func encodeStringList(values []string) (string, error) {
	if len(values) == 0 {
		return "[]", nil
	}
	encoded, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("序列化列表失败: %w", err)
	}
	return string(encoded), nil
}

func decodeStringList(value sql.NullString) ([]string, error) {
	if !value.Valid || strings.TrimSpace(value.String) == "" {
		return nil, nil
	}
	var values []string
	if err := json.Unmarshal([]byte(value.String), &values); err != nil {
		return nil, fmt.Errorf("解析列表失败: %w", err)
	}
	if len(values) == 0 {
		return nil, nil
	}
	return values, nil
}
