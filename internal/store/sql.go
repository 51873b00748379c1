package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/dbresolver"

	"yqhp/build-engine/pkg/types"
	"yqhp/build-engine/pkg/utils"
)

// documentRow is the table layout of a SQL-backed store. The key, watermark
// and state are columns; the full document is kept as JSON.
type documentRow struct {
	ID          uint      `gorm:"primaryKey"`
	DocKey      string    `gorm:"column:doc_key;size:191;uniqueIndex"`
	LastUpdated time.Time `gorm:"column:last_updated;index"`
	State       string    `gorm:"column:state;size:32;index"`
	Data        string    `gorm:"column:data;type:text"`
}

// SQLStore persists documents through gorm (mysql, postgres or sqlite).
type SQLStore struct {
	spec Spec

	mu sync.RWMutex
	db *gorm.DB
}

// NewSQLStore validates spec and returns an unconnected store.
func NewSQLStore(spec Spec) (*SQLStore, error) {
	if spec.DSN == "" {
		return nil, fmt.Errorf("sql store %s: dsn is required", spec.Name)
	}
	if _, err := dialector(spec.Driver, spec.DSN); err != nil {
		return nil, err
	}
	if spec.Table == "" {
		spec.Table = spec.Name
	}
	if spec.Table == "" {
		return nil, fmt.Errorf("sql store: table or name is required")
	}
	return &SQLStore{spec: spec}, nil
}

func dialector(driver, dsn string) (gorm.Dialector, error) {
	switch driver {
	case "mysql":
		return mysql.Open(dsn), nil
	case "postgres":
		return postgres.Open(dsn), nil
	case "sqlite", "":
		return sqlite.Open(dsn), nil
	}
	return nil, fmt.Errorf("unsupported database driver: %s", driver)
}

// Connect opens the database and migrates the table. Calling it again is a no-op.
func (s *SQLStore) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return nil
	}

	dial, err := dialector(s.spec.Driver, s.spec.DSN)
	if err != nil {
		return err
	}
	db, err := gorm.Open(dial, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return fmt.Errorf("open sql store %s: %w", s.spec.Name, err)
	}

	if len(s.spec.Replicas) > 0 {
		replicas := make([]gorm.Dialector, 0, len(s.spec.Replicas))
		for _, dsn := range s.spec.Replicas {
			r, err := dialector(s.spec.Driver, dsn)
			if err != nil {
				return err
			}
			replicas = append(replicas, r)
		}
		if err := db.Use(dbresolver.Register(dbresolver.Config{
			Replicas: replicas,
			Policy:   dbresolver.RandomPolicy{},
		})); err != nil {
			return fmt.Errorf("register replicas for %s: %w", s.spec.Name, err)
		}
	}

	if err := db.WithContext(ctx).Table(s.spec.Table).AutoMigrate(&documentRow{}); err != nil {
		return fmt.Errorf("migrate %s: %w", s.spec.Table, err)
	}
	s.db = db
	return nil
}

func (s *SQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	s.db = nil
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *SQLStore) Name() string             { return s.spec.Name }
func (s *SQLStore) KeyField() string         { return s.spec.ResolvedKey() }
func (s *SQLStore) LastUpdatedField() string { return s.spec.ResolvedLastUpdated() }

func (s *SQLStore) table(ctx context.Context) (*gorm.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, ErrNotConnected
	}
	return s.db.WithContext(ctx).Table(s.spec.Table), nil
}

// column maps document fields that live in their own column.
func (s *SQLStore) column(field string) (string, bool) {
	switch field {
	case s.KeyField():
		return "doc_key", true
	case s.LastUpdatedField():
		return "last_updated", true
	case StateField:
		return "state", true
	}
	return "", false
}

// pushdown splits q into SQL conditions on indexed columns and a residual
// query evaluated on decoded documents.
func (s *SQLStore) pushdown(tx *gorm.DB, q types.Query) (*gorm.DB, types.Query) {
	residual := types.Query{}
	for field, cond := range q {
		col, ok := s.column(field)
		if !ok {
			residual[field] = cond
			continue
		}
		ops, isOps := cond.(map[string]any)
		if !isOps {
			ops = map[string]any{types.OpEq: cond}
		}
		for op, arg := range ops {
			next, pushed := s.pushOp(tx, col, op, arg)
			if !pushed {
				if residual[field] == nil {
					residual[field] = map[string]any{}
				}
				residual[field].(map[string]any)[op] = arg
				continue
			}
			tx = next
		}
	}
	return tx, residual
}

func (s *SQLStore) pushOp(tx *gorm.DB, col, op string, arg any) (*gorm.DB, bool) {
	value := func(v any) (any, bool) {
		switch col {
		case "doc_key":
			return types.KeyString(v), true
		case "last_updated":
			t, ok := types.ToTime(v)
			return t.UTC(), ok
		}
		str, ok := v.(string)
		return str, ok
	}

	switch op {
	case types.OpIn, types.OpNin:
		list, ok := asList(arg)
		if !ok {
			return tx, false
		}
		vals := make([]any, 0, len(list))
		for _, item := range list {
			v, ok := value(item)
			if !ok {
				return tx, false
			}
			vals = append(vals, v)
		}
		if len(vals) == 0 {
			if op == types.OpIn {
				return tx.Where("1 = 0"), true
			}
			return tx, true
		}
		if op == types.OpIn {
			return tx.Where(col+" IN ?", vals), true
		}
		return tx.Where(col+" NOT IN ?", vals), true
	}

	sqlOps := map[string]string{
		types.OpEq: "=", types.OpNe: "<>",
		types.OpGt: ">", types.OpGte: ">=", types.OpLt: "<", types.OpLte: "<=",
	}
	sqlOp, ok := sqlOps[op]
	if !ok {
		return tx, false
	}
	v, ok := value(arg)
	if !ok {
		return tx, false
	}
	return tx.Where(fmt.Sprintf("%s %s ?", col, sqlOp), v), true
}

func (s *SQLStore) decode(row documentRow) (types.Document, error) {
	doc := types.Document{}
	if row.Data != "" {
		if err := utils.Unmarshal([]byte(row.Data), &doc); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", s.spec.Table, row.DocKey, err)
		}
	}
	if !row.LastUpdated.IsZero() {
		doc[s.LastUpdatedField()] = row.LastUpdated.UTC()
	}
	return doc, nil
}

func (s *SQLStore) Query(ctx context.Context, q types.Query, fields []string) ([]types.Document, error) {
	tx, err := s.table(ctx)
	if err != nil {
		return nil, err
	}
	tx, residual := s.pushdown(tx, q)

	var rows []documentRow
	if err := tx.Order("doc_key").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query %s: %w", s.spec.Table, err)
	}

	docs := make([]types.Document, 0, len(rows))
	for _, row := range rows {
		doc, err := s.decode(row)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	docs, err = filter(docs, residual)
	if err != nil {
		return nil, err
	}
	for i, d := range docs {
		docs[i] = project(d, fields)
	}
	return docs, nil
}

func (s *SQLStore) Count(ctx context.Context, q types.Query) (int, error) {
	docs, err := s.Query(ctx, q, []string{})
	return len(docs), err
}

func (s *SQLStore) Distinct(ctx context.Context, field string, q types.Query) ([]any, error) {
	docs, err := s.Query(ctx, q, []string{field})
	if err != nil {
		return nil, err
	}
	return distinct(docs, field), nil
}

func (s *SQLStore) Update(ctx context.Context, docs []types.Document) error {
	if len(docs) == 0 {
		return nil
	}
	tx, err := s.table(ctx)
	if err != nil {
		return err
	}

	// one row per key; postgres rejects an upsert that touches a row twice
	rows := make([]documentRow, 0, len(docs))
	at := make(map[string]int, len(docs))
	for _, d := range docs {
		data, err := utils.Marshal(d)
		if err != nil {
			return fmt.Errorf("encode document for %s: %w", s.spec.Table, err)
		}
		lu, _ := types.ToTime(d[s.LastUpdatedField()])
		state, _ := d[StateField].(string)
		row := documentRow{
			DocKey:      types.KeyString(d[s.KeyField()]),
			LastUpdated: lu.UTC(),
			State:       state,
			Data:        string(data),
		}
		if i, dup := at[row.DocKey]; dup {
			rows[i] = row
			continue
		}
		at[row.DocKey] = len(rows)
		rows = append(rows, row)
	}

	err = tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "doc_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_updated", "state", "data"}),
	}).Create(&rows).Error
	if err != nil {
		return fmt.Errorf("upsert into %s: %w", s.spec.Table, err)
	}
	return nil
}

func (s *SQLStore) RemoveDocs(ctx context.Context, q types.Query) error {
	keys, err := s.Distinct(ctx, s.KeyField(), q)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	tx, err := s.table(ctx)
	if err != nil {
		return err
	}
	docKeys := make([]string, len(keys))
	for i, k := range keys {
		docKeys[i] = types.KeyString(k)
	}
	if err := tx.Where("doc_key IN ?", docKeys).Delete(&documentRow{}).Error; err != nil {
		return fmt.Errorf("remove from %s: %w", s.spec.Table, err)
	}
	return nil
}

func (s *SQLStore) LastUpdated(ctx context.Context) (time.Time, error) {
	tx, err := s.table(ctx)
	if err != nil {
		return time.Time{}, err
	}
	var rows []documentRow
	if err := tx.Order("last_updated DESC").Limit(1).Find(&rows).Error; err != nil {
		return time.Time{}, fmt.Errorf("last updated of %s: %w", s.spec.Table, err)
	}
	if len(rows) == 0 {
		return time.Time{}, nil
	}
	return rows[0].LastUpdated.UTC(), nil
}
