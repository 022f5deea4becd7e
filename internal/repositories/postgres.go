package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/familybubble/backend/internal/db"
	"github.com/familybubble/backend/internal/models"
)

// NodeChangesChannel is the PostgreSQL NOTIFY channel carrying bubble ids
// whose membership changed.
const NodeChangesChannel = "node_changes"

const nodeColumns = `owner_id, bubble_id, name, status, type, tier, entitlement, photo_url, bubble_name, created_at, last_updated`

const edgeColumns = `id, from_node, to_node, bubble_id, referral_token, accepted, tier, created_at, accepted_at`

type rowScanner interface {
	Scan(dest ...any) error
}

// PostgresOption customises the PostgreSQL stores.
type PostgresOption func(*postgresOptions)

type postgresOptions struct {
	notify bool
}

// WithChangeNotifications makes every node write also NOTIFY NodeChangesChannel
// so other instances can refresh their rosters.
func WithChangeNotifications(enabled bool) PostgresOption {
	return func(o *postgresOptions) {
		o.notify = enabled
	}
}

func applyPostgresOptions(opts []PostgresOption) postgresOptions {
	var o postgresOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// PostgresNodeStore provides PostgreSQL-backed persistence for nodes.
type PostgresNodeStore struct {
	pool   db.Pool
	notify bool
}

// NewPostgresNodeStore constructs a node store backed by PostgreSQL.
func NewPostgresNodeStore(pool db.Pool, opts ...PostgresOption) *PostgresNodeStore {
	o := applyPostgresOptions(opts)
	return &PostgresNodeStore{pool: pool, notify: o.notify}
}

// Get fetches a node by its owner id.
func (s *PostgresNodeStore) Get(ctx context.Context, ownerID string) (models.Node, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return models.Node{}, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	row := conn.QueryRow(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE owner_id = $1`, ownerID)

	node, err := scanNode(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Node{}, ErrNotFound
		}
		return models.Node{}, fmt.Errorf("select node: %w", err)
	}

	return node, nil
}

// Set upserts the node keyed by owner id.
func (s *PostgresNodeStore) Set(ctx context.Context, node models.Node) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	if err := upsertNode(ctx, conn, node); err != nil {
		return err
	}

	if s.notify {
		notifyBubble(ctx, conn, node.BubbleID)
	}

	return nil
}

// Update locks the node row, applies mutate and writes the result back.
func (s *PostgresNodeStore) Update(ctx context.Context, ownerID string, mutate func(*models.Node) error) (models.Node, error) {
	var updated models.Node

	err := withTx(ctx, s.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE owner_id = $1 FOR UPDATE`, ownerID)

		node, err := scanNode(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("select node for update: %w", err)
		}

		if err := mutate(&node); err != nil {
			return err
		}
		node.OwnerID = ownerID

		if _, err := tx.Exec(ctx, `
        UPDATE nodes
        SET bubble_id = $2, name = $3, status = $4, type = $5, tier = $6,
            entitlement = $7, photo_url = $8, bubble_name = $9, last_updated = $10
        WHERE owner_id = $1
    `, node.OwnerID, node.BubbleID, node.Name, string(node.Status), string(node.Type), node.Tier,
			nullString(node.Entitlement), node.PhotoURL, node.BubbleName, node.LastUpdated.UTC()); err != nil {
			return fmt.Errorf("update node: %w", err)
		}

		updated = node
		return nil
	})
	if err != nil {
		return models.Node{}, err
	}

	if s.notify {
		notifyBubbleOnPool(ctx, s.pool, updated.BubbleID)
	}

	return updated, nil
}

// ListByBubble returns the nodes of a bubble in join order.
func (s *PostgresNodeStore) ListByBubble(ctx context.Context, bubbleID string) ([]models.Node, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, `
        SELECT `+nodeColumns+`
        FROM nodes
        WHERE bubble_id = $1
        ORDER BY created_at ASC, owner_id ASC
    `, bubbleID)
	if err != nil {
		return nil, fmt.Errorf("query bubble nodes: %w", err)
	}
	defer rows.Close()

	var nodes []models.Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		nodes = append(nodes, node)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bubble nodes: %w", err)
	}

	return nodes, nil
}

// Delete removes the node owned by ownerID.
func (s *PostgresNodeStore) Delete(ctx context.Context, ownerID string) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	var bubbleID string
	err = conn.QueryRow(ctx, `DELETE FROM nodes WHERE owner_id = $1 RETURNING bubble_id`, ownerID).Scan(&bubbleID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("delete node: %w", err)
	}

	if s.notify {
		notifyBubble(ctx, conn, bubbleID)
	}

	return nil
}

// PostgresReferralStore provides PostgreSQL-backed persistence for referral edges.
type PostgresReferralStore struct {
	pool   db.Pool
	notify bool
}

// NewPostgresReferralStore constructs a referral store backed by PostgreSQL.
func NewPostgresReferralStore(pool db.Pool, opts ...PostgresOption) *PostgresReferralStore {
	o := applyPostgresOptions(opts)
	return &PostgresReferralStore{pool: pool, notify: o.notify}
}

// CreateEdge inserts a new, unaccepted referral edge.
func (s *PostgresReferralStore) CreateEdge(ctx context.Context, edge models.Edge) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, `
        INSERT INTO edges (`+edgeColumns+`)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
    `, edge.ID, edge.FromNode, edge.ToNode, edge.BubbleID, edge.ReferralToken, edge.Accepted, edge.Tier,
		edge.CreatedAt.UTC(), nullTime(edge.AcceptedAt))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrConflict
		}
		return fmt.Errorf("insert edge: %w", err)
	}

	return nil
}

// Redeem claims the edge under a row lock, writes the redeemer's node and marks
// the edge accepted inside one transaction. A concurrent redeemer blocks on the
// row lock and then no longer matches accepted = FALSE.
func (s *PostgresReferralStore) Redeem(ctx context.Context, token, redeemerID string, build RedeemFunc) (models.Edge, models.Node, error) {
	var (
		claimed models.Edge
		created models.Node
	)

	err := withTx(ctx, s.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
        SELECT `+edgeColumns+`
        FROM edges
        WHERE referral_token = $1 AND accepted = FALSE
        LIMIT 1
        FOR UPDATE
    `, token)

		edge, err := scanEdge(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("select edge for redeem: %w", err)
		}

		node, err := build(edge)
		if err != nil {
			return err
		}

		var acceptedAt sql.NullTime
		err = tx.QueryRow(ctx, `
        UPDATE edges
        SET accepted = TRUE, to_node = $2, accepted_at = now()
        WHERE id = $1 AND accepted = FALSE
        RETURNING accepted_at
    `, edge.ID, redeemerID).Scan(&acceptedAt)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("accept edge: %w", err)
		}

		if err := upsertNode(ctx, tx, node); err != nil {
			return err
		}

		edge.Accepted = true
		edge.ToNode = redeemerID
		if acceptedAt.Valid {
			t := acceptedAt.Time.UTC()
			edge.AcceptedAt = &t
		}

		claimed = edge
		created = node
		return nil
	})
	if err != nil {
		return models.Edge{}, models.Node{}, err
	}

	if s.notify {
		notifyBubbleOnPool(ctx, s.pool, created.BubbleID)
	}

	return claimed, created, nil
}

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func upsertNode(ctx context.Context, conn execer, node models.Node) error {
	_, err := conn.Exec(ctx, `
        INSERT INTO nodes (`+nodeColumns+`)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
        ON CONFLICT (owner_id)
        DO UPDATE SET bubble_id = EXCLUDED.bubble_id,
                      name = EXCLUDED.name,
                      status = EXCLUDED.status,
                      type = EXCLUDED.type,
                      tier = EXCLUDED.tier,
                      entitlement = EXCLUDED.entitlement,
                      photo_url = EXCLUDED.photo_url,
                      bubble_name = EXCLUDED.bubble_name,
                      created_at = EXCLUDED.created_at,
                      last_updated = EXCLUDED.last_updated
    `, node.OwnerID, node.BubbleID, node.Name, string(node.Status), string(node.Type), node.Tier,
		nullString(node.Entitlement), node.PhotoURL, node.BubbleName, node.CreatedAt.UTC(), node.LastUpdated.UTC())
	if err != nil {
		return fmt.Errorf("upsert node: %w", err)
	}
	return nil
}

// notifyBubble runs outside any transaction so a failed NOTIFY never undoes
// the write it announces. Errors are dropped; remote rosters then refresh on
// their next uncached read.
func notifyBubble(ctx context.Context, conn execer, bubbleID string) {
	if bubbleID == "" {
		return
	}
	_, _ = conn.Exec(ctx, `SELECT pg_notify($1, $2)`, NodeChangesChannel, bubbleID)
}

// notifyBubbleOnPool announces a change committed by withTx.
func notifyBubbleOnPool(ctx context.Context, pool db.Pool, bubbleID string) {
	if bubbleID == "" {
		return
	}
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return
	}
	defer conn.Release()

	notifyBubble(ctx, conn, bubbleID)
}

// withTx runs fn in a transaction on a single pooled connection, retrying the
// whole transaction on serialization failures and deadlocks.
func withTx(ctx context.Context, pool db.Pool, fn func(tx pgx.Tx) error) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	var lastErr error
	for attempt := 0; attempt < db.MaxTxRetries; attempt++ {
		if err := db.WaitBackoff(ctx, attempt); err != nil {
			return err
		}

		tx, err := conn.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}

		if err := fn(tx); err != nil {
			_ = tx.Rollback(ctx)
			if db.ShouldRetry(err) {
				lastErr = err
				continue
			}
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			_ = tx.Rollback(ctx)
			if db.ShouldRetry(err) {
				lastErr = err
				continue
			}
			return fmt.Errorf("commit transaction: %w", err)
		}

		return nil
	}

	return fmt.Errorf("transaction exceeded max retries (%d): %w", db.MaxTxRetries, lastErr)
}

func scanNode(row rowScanner) (models.Node, error) {
	var (
		node        models.Node
		status      string
		nodeType    string
		entitlement sql.NullString
	)

	if err := row.Scan(&node.OwnerID, &node.BubbleID, &node.Name, &status, &nodeType, &node.Tier,
		&entitlement, &node.PhotoURL, &node.BubbleName, &node.CreatedAt, &node.LastUpdated); err != nil {
		return models.Node{}, err
	}

	node.Status = models.Status(status)
	node.Type = models.NodeType(nodeType)
	if entitlement.Valid {
		value := entitlement.String
		node.Entitlement = &value
	}
	node.CreatedAt = node.CreatedAt.UTC()
	node.LastUpdated = node.LastUpdated.UTC()

	return node, nil
}

func scanEdge(row rowScanner) (models.Edge, error) {
	var (
		edge       models.Edge
		acceptedAt sql.NullTime
	)

	if err := row.Scan(&edge.ID, &edge.FromNode, &edge.ToNode, &edge.BubbleID, &edge.ReferralToken,
		&edge.Accepted, &edge.Tier, &edge.CreatedAt, &acceptedAt); err != nil {
		return models.Edge{}, err
	}

	edge.CreatedAt = edge.CreatedAt.UTC()
	if acceptedAt.Valid {
		t := acceptedAt.Time.UTC()
		edge.AcceptedAt = &t
	}

	return edge, nil
}

func nullString(value *string) sql.NullString {
	if value == nil {
		return sql.NullString{}
	}
	return sql.NullString{Valid: true, String: *value}
}

func nullTime(value *time.Time) sql.NullTime {
	if value == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Valid: true, Time: value.UTC()}
}

var _ NodeStore = (*PostgresNodeStore)(nil)
var _ ReferralStore = (*PostgresReferralStore)(nil)
