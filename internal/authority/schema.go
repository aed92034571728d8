package authority

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/nao1215/storegateway/pkg/migration"
	"go.uber.org/zap"
)

// migrationFS はアカウントテーブルのマイグレーション。
//
//go:embed migrations/*.sql
var migrationFS embed.FS

// initSchema はSQLiteデータベースにマイグレーションを適用する。
func initSchema(db *sql.DB, logger *zap.Logger) error {
	if err := migration.Run(db, migrationFS, "migrations", logger); err != nil {
		return fmt.Errorf("スキーマの適用に失敗: %w", err)
	}
	return nil
}
