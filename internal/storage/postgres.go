package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/zhandos-dev/komek-bot/internal/models"
)

//go:embed migrations.sql
var migrations embed.FS

type DatabaseConfig struct {
	Host        string
	Port        int
	User        string
	Password    string
	DBName      string
	SSLMode     string
	UseInMemory bool
}

type PostgresStorage struct {
	db *sql.DB
}

func NewPostgresStorage(config DatabaseConfig) (*PostgresStorage, error) {
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.DBName, config.SSLMode)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("error connecting to the database: %w", err)
	}

	storage := &PostgresStorage{db: db}
	if err := storage.initializeSchema(); err != nil {
		return nil, fmt.Errorf("error initializing database schema: %w", err)
	}
	return storage, nil
}

func (s *PostgresStorage) initializeSchema() error {
	migrationSQL, err := migrations.ReadFile("migrations.sql")
	if err != nil {
		return fmt.Errorf("error reading migrations file: %w", err)
	}
	if _, err := s.db.Exec(string(migrationSQL)); err != nil {
		return fmt.Errorf("error executing migrations: %w", err)
	}
	return nil
}

func (s *PostgresStorage) UpsertClient(ctx context.Context, client *models.Client) error {
	query := `
		INSERT INTO clients (chat_id, created_at, name, lang, sex, age, city, problem_type, problem_desc)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (chat_id) DO UPDATE SET
			name = EXCLUDED.name,
			lang = EXCLUDED.lang,
			sex = EXCLUDED.sex,
			age = EXCLUDED.age,
			city = EXCLUDED.city,
			problem_type = EXCLUDED.problem_type,
			problem_desc = EXCLUDED.problem_desc`

	_, err := s.db.ExecContext(ctx, query,
		client.ChatID, client.CreatedAt, client.Name, client.Lang, client.Sex,
		client.Age, client.City, client.ProblemType, client.ProblemDesc)
	if err != nil {
		return fmt.Errorf("error upserting client: %w", err)
	}
	return nil
}

func (s *PostgresStorage) GetClient(ctx context.Context, chatID int64) (*models.Client, error) {
	query := `
		SELECT chat_id, created_at, name, lang, sex, age, city, problem_type, problem_desc, score, review
		FROM clients WHERE chat_id = $1`

	client := &models.Client{}
	var score sql.NullInt64
	var review sql.NullString
	err := s.db.QueryRowContext(ctx, query, chatID).Scan(
		&client.ChatID, &client.CreatedAt, &client.Name, &client.Lang, &client.Sex,
		&client.Age, &client.City, &client.ProblemType, &client.ProblemDesc,
		&score, &review)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error querying client: %w", err)
	}
	if score.Valid {
		v := int(score.Int64)
		client.Score = &v
	}
	if review.Valid {
		v := review.String
		client.Review = &v
	}
	return client, nil
}

func (s *PostgresStorage) SetClientFeedback(ctx context.Context, chatID int64, score int, review string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE clients SET score = $1, review = $2 WHERE chat_id = $3`,
		score, review, chatID)
	if err != nil {
		return fmt.Errorf("error saving feedback: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("error getting rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStorage) ListClients(ctx context.Context) ([]*models.Client, error) {
	query := `
		SELECT chat_id, created_at, name, lang, sex, age, city, problem_type, problem_desc, score, review
		FROM clients ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("error querying clients: %w", err)
	}
	defer rows.Close()

	var clients []*models.Client
	for rows.Next() {
		client := &models.Client{}
		var score sql.NullInt64
		var review sql.NullString
		err := rows.Scan(
			&client.ChatID, &client.CreatedAt, &client.Name, &client.Lang, &client.Sex,
			&client.Age, &client.City, &client.ProblemType, &client.ProblemDesc,
			&score, &review)
		if err != nil {
			return nil, fmt.Errorf("error scanning client: %w", err)
		}
		if score.Valid {
			v := int(score.Int64)
			client.Score = &v
		}
		if review.Valid {
			v := review.String
			client.Review = &v
		}
		clients = append(clients, client)
	}
	return clients, rows.Err()
}

func (s *PostgresStorage) UpsertPsychologist(ctx context.Context, ps *models.Psychologist) error {
	query := `
		INSERT INTO psychologists (chat_id, name, username, langs, sexes, problem_types)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (username) DO UPDATE SET
			chat_id = EXCLUDED.chat_id,
			name = EXCLUDED.name,
			langs = EXCLUDED.langs,
			sexes = EXCLUDED.sexes,
			problem_types = EXCLUDED.problem_types`

	_, err := s.db.ExecContext(ctx, query,
		ps.ChatID, ps.Name, ps.Username,
		pq.Array(ps.Langs), pq.Array(ps.Sexes), pq.Array(ps.ProblemTypes))
	if err != nil {
		return fmt.Errorf("error upserting psychologist: %w", err)
	}
	return nil
}

func (s *PostgresStorage) ListPsychologists(ctx context.Context) ([]*models.Psychologist, error) {
	query := `
		SELECT chat_id, name, username, langs, sexes, problem_types
		FROM psychologists ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("error querying psychologists: %w", err)
	}
	defer rows.Close()

	var list []*models.Psychologist
	for rows.Next() {
		ps := &models.Psychologist{}
		err := rows.Scan(&ps.ChatID, &ps.Name, &ps.Username,
			pq.Array(&ps.Langs), pq.Array(&ps.Sexes), pq.Array(&ps.ProblemTypes))
		if err != nil {
			return nil, fmt.Errorf("error scanning psychologist: %w", err)
		}
		list = append(list, ps)
	}
	return list, rows.Err()
}

func (s *PostgresStorage) PsychologistByChat(ctx context.Context, chatID int64) (*models.Psychologist, error) {
	query := `
		SELECT chat_id, name, username, langs, sexes, problem_types
		FROM psychologists WHERE chat_id = $1 ORDER BY id LIMIT 1`

	ps := &models.Psychologist{}
	err := s.db.QueryRowContext(ctx, query, chatID).Scan(
		&ps.ChatID, &ps.Name, &ps.Username,
		pq.Array(&ps.Langs), pq.Array(&ps.Sexes), pq.Array(&ps.ProblemTypes))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error querying psychologist: %w", err)
	}
	return ps, nil
}

func (s *PostgresStorage) PsychologistUsernames(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT username FROM psychologists`)
	if err != nil {
		return nil, fmt.Errorf("error querying usernames: %w", err)
	}
	defer rows.Close()

	usernames := make(map[string]bool)
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("error scanning username: %w", err)
		}
		usernames[u] = true
	}
	return usernames, rows.Err()
}

func (s *PostgresStorage) CreateAssignment(ctx context.Context, a *models.Assignment) error {
	query := `
		INSERT INTO assignments (client_chat_id, ps_chat_id, message_id, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (ps_chat_id, message_id) DO UPDATE SET
			client_chat_id = EXCLUDED.client_chat_id,
			status = EXCLUDED.status`

	_, err := s.db.ExecContext(ctx, query, a.ClientChatID, a.PsChatID, a.MessageID, a.Status)
	if err != nil {
		return fmt.Errorf("error creating assignment: %w", err)
	}
	return nil
}

func (s *PostgresStorage) AssignmentByMessage(ctx context.Context, psChatID int64, messageID int) (*models.Assignment, error) {
	a := &models.Assignment{}
	err := s.db.QueryRowContext(ctx,
		`SELECT client_chat_id, ps_chat_id, message_id, status FROM assignments
		 WHERE ps_chat_id = $1 AND message_id = $2`,
		psChatID, messageID).Scan(&a.ClientChatID, &a.PsChatID, &a.MessageID, &a.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error querying assignment: %w", err)
	}
	return a, nil
}

func (s *PostgresStorage) ClaimedAssignmentByClient(ctx context.Context, clientChatID int64) (*models.Assignment, error) {
	a := &models.Assignment{}
	err := s.db.QueryRowContext(ctx,
		`SELECT client_chat_id, ps_chat_id, message_id, status FROM assignments
		 WHERE client_chat_id = $1 AND status IN ($2, $3)
		 LIMIT 1`,
		clientChatID, models.AssignmentClaimed, models.AssignmentFinished).
		Scan(&a.ClientChatID, &a.PsChatID, &a.MessageID, &a.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error querying claimed assignment: %w", err)
	}
	return a, nil
}

// ClaimAssignment runs the whole claim transition in one transaction so that
// among racing takers exactly one sees the offered row. Takers serialize on
// a per-client advisory lock before touching any rows; row locks taken in
// press order would deadlock two takers retiring each other's offers.
func (s *PostgresStorage) ClaimAssignment(ctx context.Context, psChatID int64, messageID int) (int64, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("error starting claim transaction: %w", err)
	}
	defer tx.Rollback()

	var clientChatID int64
	err = tx.QueryRowContext(ctx,
		`SELECT client_chat_id FROM assignments
		 WHERE ps_chat_id = $1 AND message_id = $2`,
		psChatID, messageID).Scan(&clientChatID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("error reading offer: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock($1)`, clientChatID); err != nil {
		return 0, false, fmt.Errorf("error serializing claim: %w", err)
	}

	var offered bool
	err = tx.QueryRowContext(ctx,
		`SELECT TRUE FROM assignments
		 WHERE ps_chat_id = $1 AND message_id = $2 AND status = $3`,
		psChatID, messageID, models.AssignmentOffered).Scan(&offered)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("error rechecking offer: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`DELETE FROM assignments
		 WHERE client_chat_id = $1 AND NOT (ps_chat_id = $2 AND message_id = $3)`,
		clientChatID, psChatID, messageID)
	if err != nil {
		return 0, false, fmt.Errorf("error retiring sibling offers: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE assignments SET status = $1 WHERE ps_chat_id = $2 AND message_id = $3`,
		models.AssignmentClaimed, psChatID, messageID)
	if err != nil {
		return 0, false, fmt.Errorf("error claiming offer: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("error committing claim: %w", err)
	}
	return clientChatID, true, nil
}

func (s *PostgresStorage) SetAssignmentStatus(ctx context.Context, psChatID int64, messageID int, status models.AssignmentStatus) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE assignments SET status = $1 WHERE ps_chat_id = $2 AND message_id = $3`,
		status, psChatID, messageID)
	if err != nil {
		return fmt.Errorf("error updating assignment status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("error getting rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStorage) DeleteClientAssignments(ctx context.Context, clientChatID int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM assignments WHERE client_chat_id = $1`, clientChatID)
	if err != nil {
		return fmt.Errorf("error deleting assignments: %w", err)
	}
	return nil
}

func (s *PostgresStorage) UpsertAdmin(ctx context.Context, chatID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO admins (chat_id) VALUES ($1) ON CONFLICT (chat_id) DO NOTHING`, chatID)
	if err != nil {
		return fmt.Errorf("error upserting admin: %w", err)
	}
	return nil
}

func (s *PostgresStorage) ListAdmins(ctx context.Context) ([]models.Admin, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT chat_id FROM admins ORDER BY chat_id`)
	if err != nil {
		return nil, fmt.Errorf("error querying admins: %w", err)
	}
	defer rows.Close()

	var admins []models.Admin
	for rows.Next() {
		var a models.Admin
		if err := rows.Scan(&a.ChatID); err != nil {
			return nil, fmt.Errorf("error scanning admin: %w", err)
		}
		admins = append(admins, a)
	}
	return admins, rows.Err()
}

func (s *PostgresStorage) Close() error {
	return s.db.Close()
}
