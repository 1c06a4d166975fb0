// Package bolt implements the graph store on a Cypher backend over the
// bolt protocol. Each round-trip is pool-bounded, retried with exponential
// backoff while the backend is unavailable, and guarded by a circuit
// breaker so a dead backend fails fast instead of queueing work.
package bolt

import (
	"context"
	stderrors "errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"fabric/domain/schema"
	"fabric/infrastructure/graph"
	"fabric/pkg/errors"
)

// Config carries the connection settings for a bolt store.
type Config struct {
	URI          string
	Username     string
	Password     string
	Database     string
	PoolSize     int
	PoolWait     time.Duration
	MaxRetryTime time.Duration
}

func (c *Config) withDefaults() {
	if c.PoolSize <= 0 {
		c.PoolSize = 10
	}
	if c.PoolWait <= 0 {
		c.PoolWait = 5 * time.Second
	}
	if c.MaxRetryTime <= 0 {
		c.MaxRetryTime = 30 * time.Second
	}
}

// Store is the bolt-backed graph store.
type Store struct {
	driver  neo4j.DriverWithContext
	cfg     Config
	slots   *semaphore.Weighted
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

var _ graph.Store = (*Store)(nil)

// Open connects and verifies the backend is reachable. A malformed URI is a
// configuration error; an unreachable backend is Unavailable.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.withDefaults()
	if !validScheme(cfg.URI) {
		return nil, errors.Newf(errors.KindConfiguration, "unsupported graph URI %q", cfg.URI)
	}
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, errors.Wrap(err, errors.KindConfiguration, "building bolt driver")
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, errors.NewUnavailable("verifying backend connectivity", err)
	}
	s := &Store{
		driver: driver,
		cfg:    cfg,
		slots:  semaphore.NewWeighted(int64(cfg.PoolSize)),
		logger: logger,
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "graph-bolt",
		Timeout: 15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// Only transport failures should open the breaker.
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.IsUnavailable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("graph breaker state change",
				zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	logger.Info("bolt store opened",
		zap.String("uri", cfg.URI), zap.String("database", cfg.Database),
		zap.Int("pool_size", cfg.PoolSize))
	return s, nil
}

func validScheme(uri string) bool {
	for _, p := range []string{"bolt://", "bolt+s://", "bolt+ssc://", "neo4j://", "neo4j+s://", "neo4j+ssc://"} {
		if strings.HasPrefix(uri, p) {
			return true
		}
	}
	return false
}

// acquire takes a pool slot, waiting at most PoolWait.
func (s *Store) acquire(ctx context.Context) (release func(), err error) {
	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.PoolWait)
	defer cancel()
	if err := s.slots.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, classifyCtx(ctx.Err())
		}
		return nil, errors.Newf(errors.KindPoolExhausted,
			"no connection available within %s", s.cfg.PoolWait)
	}
	return func() { s.slots.Release(1) }, nil
}

// run executes one statement with pool, breaker and retry applied.
func (s *Store) run(ctx context.Context, write bool, stmt string, params map[string]any) ([]graph.Record, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	var out []graph.Record
	op := func() error {
		_, err := s.breaker.Execute(func() (any, error) {
			rows, err := s.runOnce(ctx, write, stmt, params)
			if err != nil {
				return nil, err
			}
			out = rows
			return nil, nil
		})
		if stderrors.Is(err, gobreaker.ErrOpenState) || stderrors.Is(err, gobreaker.ErrTooManyRequests) {
			// Breaker rejections are terminal for this attempt; retrying
			// inside the backoff loop would just spin against an open breaker.
			return backoff.Permanent(errors.NewUnavailable("graph backend circuit open", err))
		}
		if err != nil && !errors.IsUnavailable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = s.cfg.MaxRetryTime
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		var perm *backoff.PermanentError
		if stderrors.As(err, &perm) {
			err = perm.Err
		}
		return nil, err
	}
	return out, nil
}

func (s *Store) runOnce(ctx context.Context, write bool, stmt string, params map[string]any) ([]graph.Record, error) {
	mode := neo4j.AccessModeRead
	if write {
		mode = neo4j.AccessModeWrite
	}
	sess := s.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: s.cfg.Database,
		AccessMode:   mode,
	})
	defer sess.Close(ctx)

	res, err := sess.Run(ctx, stmt, params)
	if err != nil {
		return nil, classify(err, stmt)
	}
	raw, err := res.Collect(ctx)
	if err != nil {
		return nil, classify(err, stmt)
	}
	rows := make([]graph.Record, 0, len(raw))
	for _, r := range raw {
		rows = append(rows, graph.Record(normalizeValues(r.AsMap())))
	}
	return rows, nil
}

// classify maps driver errors onto the fabric taxonomy.
func classify(err error, stmt string) error {
	if err == nil {
		return nil
	}
	if c := classifyCtx(err); c != nil {
		return c
	}
	var ne *neo4j.Neo4jError
	if stderrors.As(err, &ne) {
		switch {
		case strings.Contains(ne.Code, "ConstraintValidationFailed"):
			return errors.Wrap(err, errors.KindDuplicate, "unique constraint violated")
		case strings.HasPrefix(ne.Code, "Neo.TransientError"):
			return errors.NewUnavailable("transient backend error", err)
		case strings.HasPrefix(ne.Code, "Neo.ClientError"):
			return errors.Wrap(err, errors.KindQuery, "statement rejected: "+firstLine(stmt))
		}
	}
	if neo4j.IsConnectivityError(err) {
		return errors.NewUnavailable("backend unreachable", err)
	}
	return errors.Wrap(err, errors.KindQuery, "executing statement")
}

func classifyCtx(err error) error {
	switch {
	case stderrors.Is(err, context.Canceled):
		return errors.Wrap(err, errors.KindCancelled, "operation cancelled")
	case stderrors.Is(err, context.DeadlineExceeded):
		return errors.Wrap(err, errors.KindTimeout, "operation deadline exceeded")
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// normalizeValues converts driver value types into the neutral shapes the
// rest of the fabric expects: nodes to property maps, temporal types to
// time.Time.
func normalizeValues(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch x := v.(type) {
	case dbtype.Node:
		return normalizeValues(x.Props)
	case dbtype.Relationship:
		return normalizeValues(x.Props)
	case dbtype.LocalDateTime:
		return x.Time()
	case dbtype.Date:
		return x.Time()
	case map[string]any:
		return normalizeValues(x)
	}
	return v
}

func nodeFromRecord(rec graph.Record, key string, label schema.Label) (graph.Node, bool) {
	props, ok := rec[key].(map[string]any)
	if !ok {
		return graph.Node{}, false
	}
	return graph.Node{Label: label, Props: props}, true
}

// Query runs a raw Cypher statement.
func (s *Store) Query(ctx context.Context, statement string, params map[string]any) ([]graph.Record, error) {
	return s.run(ctx, true, statement, params)
}

func (s *Store) CreateNode(ctx context.Context, label schema.Label, props map[string]any) (graph.Node, error) {
	rows, err := s.run(ctx, true, renderCreateNode(label), map[string]any{"props": props})
	if err != nil {
		return graph.Node{}, err
	}
	if len(rows) == 0 {
		return graph.Node{}, errors.New(errors.KindQuery, "create returned no row")
	}
	n, ok := nodeFromRecord(rows[0], "n", label)
	if !ok {
		return graph.Node{}, errors.New(errors.KindQuery, "create returned unexpected shape")
	}
	return n, nil
}

func (s *Store) GetNode(ctx context.Context, label schema.Label, id string) (graph.Node, error) {
	rows, err := s.run(ctx, false, renderGetNode(label), map[string]any{"id": id})
	if err != nil {
		return graph.Node{}, err
	}
	if len(rows) == 0 {
		return graph.Node{}, errors.NewNotFound(string(label), id)
	}
	n, _ := nodeFromRecord(rows[0], "n", label)
	return n, nil
}

func (s *Store) FindNodes(ctx context.Context, label schema.Label, filter map[string]any, limit, offset int) ([]graph.Node, error) {
	stmt, params := renderFindNodes(label, filter, limit, offset)
	rows, err := s.run(ctx, false, stmt, params)
	if err != nil {
		return nil, err
	}
	out := make([]graph.Node, 0, len(rows))
	for _, r := range rows {
		if n, ok := nodeFromRecord(r, "n", label); ok {
			out = append(out, n)
		}
	}
	return out, nil
}

func (s *Store) CountNodes(ctx context.Context, label schema.Label) (int64, error) {
	rows, err := s.run(ctx, false, renderCountNodes(label), nil)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	n, _ := rows[0]["count"].(int64)
	return n, nil
}

func (s *Store) UpdateNode(ctx context.Context, label schema.Label, id string, props map[string]any) (graph.Node, error) {
	clean := graph.CloneProps(props)
	delete(clean, "id")
	rows, err := s.run(ctx, true, renderUpdateNode(label), map[string]any{"id": id, "props": clean})
	if err != nil {
		return graph.Node{}, err
	}
	if len(rows) == 0 {
		return graph.Node{}, errors.NewNotFound(string(label), id)
	}
	n, _ := nodeFromRecord(rows[0], "n", label)
	return n, nil
}

func (s *Store) DeleteNode(ctx context.Context, label schema.Label, id string) error {
	rows, err := s.run(ctx, true, renderDeleteNode(label), map[string]any{"id": id})
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return errors.NewNotFound(string(label), id)
	}
	if n, _ := rows[0]["deleted"].(int64); n == 0 {
		return errors.NewNotFound(string(label), id)
	}
	return nil
}

func (s *Store) CreateRelationship(ctx context.Context, rel graph.Relationship) (graph.Relationship, error) {
	props := rel.Props
	if props == nil {
		props = map[string]any{}
	}
	rows, err := s.run(ctx, true, renderCreateRelationship(rel), map[string]any{
		"source_id": rel.SourceID,
		"target_id": rel.TargetID,
		"props":     props,
	})
	if err != nil {
		return graph.Relationship{}, err
	}
	if len(rows) == 0 {
		// MATCH found no endpoint pair, nothing was created.
		return graph.Relationship{}, errors.Newf(errors.KindNotFound,
			"endpoints %s/%s or %s/%s not found",
			rel.SourceLabel, rel.SourceID, rel.TargetLabel, rel.TargetID)
	}
	if p, ok := rows[0]["r"].(map[string]any); ok {
		rel.Props = p
	}
	return rel, nil
}

func (s *Store) FindRelationships(ctx context.Context, filter graph.RelFilter) ([]graph.Relationship, error) {
	stmt, params := renderFindRelationships(filter)
	rows, err := s.run(ctx, false, stmt, params)
	if err != nil {
		return nil, err
	}
	out := make([]graph.Relationship, 0, len(rows))
	for _, r := range rows {
		rel := graph.Relationship{Props: map[string]any{}}
		if v, ok := r["type"].(string); ok {
			rel.Type = schema.RelType(v)
		}
		if v, ok := r["source_label"].(string); ok {
			rel.SourceLabel = schema.Label(v)
		}
		if v, ok := r["source_id"].(string); ok {
			rel.SourceID = v
		}
		if v, ok := r["target_label"].(string); ok {
			rel.TargetLabel = schema.Label(v)
		}
		if v, ok := r["target_id"].(string); ok {
			rel.TargetID = v
		}
		if v, ok := r["props"].(map[string]any); ok {
			rel.Props = v
		}
		out = append(out, rel)
	}
	return out, nil
}

func (s *Store) UpdateRelationships(ctx context.Context, filter graph.RelFilter, props map[string]any) (int64, error) {
	stmt, params := renderUpdateRelationships(filter)
	params["props"] = props
	rows, err := s.run(ctx, true, stmt, params)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	n, _ := rows[0]["count"].(int64)
	return n, nil
}

func (s *Store) DeleteRelationships(ctx context.Context, filter graph.RelFilter) (int64, error) {
	stmt, params := renderDeleteRelationships(filter)
	rows, err := s.run(ctx, true, stmt, params)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	n, _ := rows[0]["count"].(int64)
	return n, nil
}

func (s *Store) Neighborhood(ctx context.Context, q graph.NeighborQuery) ([]graph.Node, error) {
	stmt, params := renderNeighborhood(q)
	rows, err := s.run(ctx, false, stmt, params)
	if err != nil {
		return nil, err
	}
	out := make([]graph.Node, 0, len(rows))
	for _, r := range rows {
		if n, ok := nodeFromRecord(r, "m", q.NeighborLabel); ok {
			out = append(out, n)
		}
	}
	return out, nil
}

func (s *Store) Reachable(ctx context.Context, label schema.Label, fromID string, rel schema.RelType, toID string, skip map[string]any) (bool, error) {
	if fromID == toID {
		return true, nil
	}
	stmt, params := renderReachable(label, rel, skip)
	params["from"] = fromID
	params["to"] = toID
	rows, err := s.run(ctx, false, stmt, params)
	if err != nil {
		return false, err
	}
	if len(rows) == 0 {
		return false, nil
	}
	ok, _ := rows[0]["reachable"].(bool)
	return ok, nil
}

func (s *Store) EnsureUniqueConstraint(ctx context.Context, label schema.Label, property string) error {
	_, err := s.run(ctx, true, renderUniqueConstraint(label, property), nil)
	return err
}

func (s *Store) EnsureIndex(ctx context.Context, label schema.Label, properties ...string) error {
	_, err := s.run(ctx, true, renderIndex(label, properties), nil)
	return err
}

func (s *Store) EnsureVectorIndex(ctx context.Context, label schema.Label, property string, dimensions int) error {
	_, err := s.run(ctx, true, renderVectorIndex(label, property, dimensions), nil)
	return err
}

func (s *Store) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

// session holds one pool slot and an explicit transaction for its lifetime.
type session struct {
	inner   neo4j.SessionWithContext
	tx      neo4j.ExplicitTransaction
	release func()
}

// Session opens an explicit transaction. Close(nil) commits; Close with a
// non-nil error rolls back.
func (s *Store) Session(ctx context.Context) (graph.Session, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	inner := s.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: s.cfg.Database,
		AccessMode:   neo4j.AccessModeWrite,
	})
	tx, err := inner.BeginTransaction(ctx)
	if err != nil {
		_ = inner.Close(ctx)
		release()
		return nil, classify(err, "BEGIN")
	}
	return &session{inner: inner, tx: tx, release: release}, nil
}

func (ss *session) Query(ctx context.Context, statement string, params map[string]any) ([]graph.Record, error) {
	res, err := ss.tx.Run(ctx, statement, params)
	if err != nil {
		return nil, classify(err, statement)
	}
	raw, err := res.Collect(ctx)
	if err != nil {
		return nil, classify(err, statement)
	}
	rows := make([]graph.Record, 0, len(raw))
	for _, r := range raw {
		rows = append(rows, graph.Record(normalizeValues(r.AsMap())))
	}
	return rows, nil
}

func (ss *session) Close(err error) error {
	defer ss.release()
	ctx := context.Background()
	defer ss.inner.Close(ctx)
	if err != nil {
		return ss.tx.Rollback(ctx)
	}
	if cerr := ss.tx.Commit(ctx); cerr != nil {
		return classify(cerr, "COMMIT")
	}
	return nil
}
