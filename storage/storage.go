package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"curling-server/matcherrors"
	"curling-server/models"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS matches (
	id                        UUID PRIMARY KEY,
	rule                      TEXT NOT NULL,
	standard_end_count        INT NOT NULL,
	time_limit                DOUBLE PRECISION NOT NULL,
	extra_end_time_limit      DOUBLE PRECISION NOT NULL,
	team0                     JSONB NOT NULL,
	team1                     JSONB NOT NULL,
	positioned_stones_pattern INT,
	team0_power_play_end      INT,
	team1_power_play_end      INT,
	tournament_name           TEXT NOT NULL DEFAULT '',
	simulator_name            TEXT NOT NULL DEFAULT '',
	created_at                TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at                TIMESTAMPTZ NOT NULL DEFAULT now(),
	finished_at               TIMESTAMPTZ,
	winner                    SMALLINT,
	end_reason                TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_matches_created_at ON matches(created_at);
CREATE TABLE IF NOT EXISTS scores (
	id       UUID PRIMARY KEY,
	match_id UUID NOT NULL REFERENCES matches(id) ON DELETE CASCADE,
	team0    JSONB NOT NULL,
	team1    JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS stone_coordinates (
	id                  UUID PRIMARY KEY,
	match_id            UUID NOT NULL REFERENCES matches(id) ON DELETE CASCADE,
	data_format_version TEXT NOT NULL,
	data                JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS states (
	id                    UUID PRIMARY KEY,
	match_id              UUID NOT NULL REFERENCES matches(id) ON DELETE CASCADE,
	end_number            INT NOT NULL,
	shot_number           INT NOT NULL,
	total_shot_number     INT NOT NULL,
	team0_remaining       DOUBLE PRECISION NOT NULL,
	team1_remaining       DOUBLE PRECISION NOT NULL,
	team0_extra_remaining DOUBLE PRECISION NOT NULL,
	team1_extra_remaining DOUBLE PRECISION NOT NULL,
	stone_coordinate_id   UUID NOT NULL REFERENCES stone_coordinates(id) ON DELETE CASCADE,
	score_id              UUID NOT NULL REFERENCES scores(id) ON DELETE CASCADE,
	shot_id               UUID,
	next_team             SMALLINT,
	winner                SMALLINT,
	end_reason            TEXT NOT NULL DEFAULT '',
	created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (match_id, total_shot_number)
);
CREATE TABLE IF NOT EXISTS shot_infos (
	id                         UUID PRIMARY KEY,
	match_id                   UUID NOT NULL REFERENCES matches(id) ON DELETE CASCADE,
	team                       SMALLINT NOT NULL,
	player_index               INT NOT NULL,
	translational_velocity     DOUBLE PRECISION NOT NULL,
	angular_velocity           DOUBLE PRECISION NOT NULL,
	shot_angle                 DOUBLE PRECISION NOT NULL,
	actual_translational_velocity DOUBLE PRECISION,
	actual_angular_velocity    DOUBLE PRECISION,
	actual_shot_angle          DOUBLE PRECISION,
	elapsed_seconds            DOUBLE PRECISION NOT NULL,
	pre_state_id               UUID NOT NULL REFERENCES states(id) ON DELETE CASCADE,
	post_state_id              UUID REFERENCES states(id) ON DELETE CASCADE,
	result_stone_coordinate_id UUID REFERENCES stone_coordinates(id) ON DELETE CASCADE,
	created_at                 TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS trajectories (
	id                  UUID PRIMARY KEY,
	shot_id             UUID NOT NULL REFERENCES shot_infos(id) ON DELETE CASCADE,
	data_format_version TEXT NOT NULL,
	frames              JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS end_setups (
	match_id              UUID NOT NULL REFERENCES matches(id) ON DELETE CASCADE,
	end_number            INT NOT NULL,
	setup_team            SMALLINT NOT NULL,
	done                  BOOLEAN NOT NULL DEFAULT false,
	selector_throws_first BOOLEAN NOT NULL DEFAULT false,
	power_play            TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (match_id, end_number)
);
`

const selectStateSQL = `
SELECT st.id, st.match_id, st.end_number, st.shot_number, st.total_shot_number,
	st.team0_remaining, st.team1_remaining, st.team0_extra_remaining, st.team1_extra_remaining,
	sc.id, sc.data_format_version, sc.data, so.id, so.team0, so.team1,
	st.shot_id, st.next_team, st.winner, st.end_reason, st.created_at
FROM states st
JOIN stone_coordinates sc ON sc.id = st.stone_coordinate_id
JOIN scores so ON so.id = st.score_id
`

// Store persists matches and their append-only state history in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to Postgres and ensures the schema exists.
func NewStore(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, err
	}
	slog.Info("connected to Postgres", "tag", "storage")
	return &Store{pool: pool}, nil
}

// Close closes the connection pool.
func (s *Store) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

func sideOrNil(p *models.Side) *int {
	if p == nil {
		return nil
	}
	v := int(*p)
	return &v
}

func sidePtr(v *int) *models.Side {
	if v == nil {
		return nil
	}
	s := models.Side(*v)
	return &s
}

type stoneData struct {
	Team0 []models.Stone `json:"team0"`
	Team1 []models.Stone `json:"team1"`
}

func (s *Store) insertStones(ctx context.Context, tx pgx.Tx, matchID uuid.UUID, c *models.StoneCoordinate) error {
	if c.ID != uuid.Nil {
		return nil
	}
	c.ID = newID()
	if c.DataFormatVersion == "" {
		c.DataFormatVersion = models.StoneFormatVersion
	}
	data, err := json.Marshal(stoneData{Team0: c.Team0, Team1: c.Team1})
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `INSERT INTO stone_coordinates (id, match_id, data_format_version, data) VALUES ($1, $2, $3, $4)`,
		c.ID, matchID, c.DataFormatVersion, data)
	return err
}

func (s *Store) insertScore(ctx context.Context, tx pgx.Tx, matchID uuid.UUID, sc *models.Score) error {
	if sc.ID != uuid.Nil {
		return nil
	}
	sc.ID = newID()
	t0, err := json.Marshal(nonNilInts(sc.Team0))
	if err != nil {
		return err
	}
	t1, err := json.Marshal(nonNilInts(sc.Team1))
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `INSERT INTO scores (id, match_id, team0, team1) VALUES ($1, $2, $3, $4)`, sc.ID, matchID, t0, t1)
	return err
}

// insertState writes s and its snapshots, then queues the change notification
// which Postgres delivers on commit.
func (s *Store) insertState(ctx context.Context, tx pgx.Tx, st *models.State) error {
	if err := s.insertStones(ctx, tx, st.MatchID, &st.Stones); err != nil {
		return fmt.Errorf("insert stones: %w", err)
	}
	if err := s.insertScore(ctx, tx, st.MatchID, &st.Score); err != nil {
		return fmt.Errorf("insert score: %w", err)
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO states (id, match_id, end_number, shot_number, total_shot_number,
			team0_remaining, team1_remaining, team0_extra_remaining, team1_extra_remaining,
			stone_coordinate_id, score_id, shot_id, next_team, winner, end_reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		st.ID, st.MatchID, st.EndNumber, st.ShotNumber, st.TotalShotNumber,
		st.RemainingTime[0], st.RemainingTime[1], st.ExtraEndRemainingTime[0], st.ExtraEndRemainingTime[1],
		st.Stones.ID, st.Score.ID, st.ShotID, sideOrNil(st.NextTeam), sideOrNil(st.Winner), string(st.EndReason), st.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert state: %w", err)
	}
	_, err = tx.Exec(ctx, `SELECT pg_notify($1, $2)`, StateChangesChannel, st.MatchID.String())
	return err
}

// CreateMatch stores the match and its initial State.
func (s *Store) CreateMatch(ctx context.Context, m models.Match, initial models.State) (models.State, error) {
	team0, err := json.Marshal(m.Teams[0])
	if err != nil {
		return models.State{}, err
	}
	team1, err := json.Marshal(m.Teams[1])
	if err != nil {
		return models.State{}, err
	}
	var pattern *int
	if m.MixedDoubles != nil {
		pattern = &m.MixedDoubles.PositionedStonesPattern
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return models.State{}, persistErr("begin", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO matches (id, rule, standard_end_count, time_limit, extra_end_time_limit, team0, team1,
			positioned_stones_pattern, tournament_name, simulator_name, created_at, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		m.ID, string(m.Rule), m.StandardEndCount, m.TimeLimit, m.ExtraEndTimeLimit, team0, team1,
		pattern, m.TournamentName, m.SimulatorName, m.CreatedAt, m.StartedAt)
	if err != nil {
		return models.State{}, persistErr("insert match", err)
	}
	prepareState(&initial)
	if err := s.insertState(ctx, tx, &initial); err != nil {
		return models.State{}, persistErr("initial state", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.State{}, persistErr("commit", err)
	}
	return initial, nil
}

// ReadMatch loads a match by ID.
func (s *Store) ReadMatch(ctx context.Context, matchID uuid.UUID) (models.Match, error) {
	var (
		m            models.Match
		rule         string
		team0, team1 []byte
		pattern      *int
		pp0, pp1     *int
		winner       *int
		reason       string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, rule, standard_end_count, time_limit, extra_end_time_limit, team0, team1,
			positioned_stones_pattern, team0_power_play_end, team1_power_play_end,
			tournament_name, simulator_name, created_at, started_at, finished_at, winner, end_reason
		FROM matches WHERE id = $1`, matchID).Scan(
		&m.ID, &rule, &m.StandardEndCount, &m.TimeLimit, &m.ExtraEndTimeLimit, &team0, &team1,
		&pattern, &pp0, &pp1, &m.TournamentName, &m.SimulatorName, &m.CreatedAt, &m.StartedAt, &m.FinishedAt, &winner, &reason)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Match{}, matcherrors.ErrMatchNotFound
	}
	if err != nil {
		return models.Match{}, err
	}
	m.Rule = models.RuleVariant(rule)
	m.Winner = sidePtr(winner)
	m.EndReason = models.EndReason(reason)
	if err := json.Unmarshal(team0, &m.Teams[0]); err != nil {
		return models.Match{}, fmt.Errorf("decode team0: %w", err)
	}
	if err := json.Unmarshal(team1, &m.Teams[1]); err != nil {
		return models.Match{}, fmt.Errorf("decode team1: %w", err)
	}
	if pattern != nil {
		m.MixedDoubles = &models.MixedDoublesSettings{
			PositionedStonesPattern: *pattern,
			PowerPlayEnd:            [2]*int{pp0, pp1},
		}
	}
	return m, nil
}

func scanState(row pgx.Row) (models.State, error) {
	var (
		st          models.State
		stones      []byte
		t0, t1      []byte
		next, win   *int
		reason      string
		stoneFormat string
	)
	err := row.Scan(&st.ID, &st.MatchID, &st.EndNumber, &st.ShotNumber, &st.TotalShotNumber,
		&st.RemainingTime[0], &st.RemainingTime[1], &st.ExtraEndRemainingTime[0], &st.ExtraEndRemainingTime[1],
		&st.Stones.ID, &stoneFormat, &stones, &st.Score.ID, &t0, &t1,
		&st.ShotID, &next, &win, &reason, &st.CreatedAt)
	if err != nil {
		return models.State{}, err
	}
	var sd stoneData
	if err := json.Unmarshal(stones, &sd); err != nil {
		return models.State{}, fmt.Errorf("decode stones: %w", err)
	}
	st.Stones.DataFormatVersion = stoneFormat
	st.Stones.Team0, st.Stones.Team1 = sd.Team0, sd.Team1
	if err := json.Unmarshal(t0, &st.Score.Team0); err != nil {
		return models.State{}, fmt.Errorf("decode score: %w", err)
	}
	if err := json.Unmarshal(t1, &st.Score.Team1); err != nil {
		return models.State{}, fmt.Errorf("decode score: %w", err)
	}
	st.NextTeam = sidePtr(next)
	st.Winner = sidePtr(win)
	st.EndReason = models.EndReason(reason)
	return st, nil
}

func (s *Store) latestState(ctx context.Context, q interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}, matchID uuid.UUID) (models.State, error) {
	st, err := scanState(q.QueryRow(ctx, selectStateSQL+` WHERE st.match_id = $1 ORDER BY st.total_shot_number DESC LIMIT 1`, matchID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.State{}, matcherrors.ErrMatchNotFound
	}
	return st, err
}

// LatestState returns the most recent committed State of a match.
func (s *Store) LatestState(ctx context.Context, matchID uuid.UUID) (models.State, error) {
	return s.latestState(ctx, s.pool, matchID)
}

// StatesSince returns the States committed after position `after`.
func (s *Store) StatesSince(ctx context.Context, matchID uuid.UUID, after int) ([]models.State, error) {
	rows, err := s.pool.Query(ctx, selectStateSQL+` WHERE st.match_id = $1 AND st.total_shot_number > $2 ORDER BY st.total_shot_number`, matchID, after)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.State
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// AppendState commits the next State of a match. The row lock on the match
// serializes writers so the sequence check cannot race.
func (s *Store) AppendState(ctx context.Context, st models.State, shot *models.ShotInfo) (models.State, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return models.State{}, persistErr("begin", err)
	}
	defer tx.Rollback(ctx)

	var finished *time.Time
	if err := tx.QueryRow(ctx, `SELECT finished_at FROM matches WHERE id = $1 FOR UPDATE`, st.MatchID).Scan(&finished); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.State{}, matcherrors.ErrMatchNotFound
		}
		return models.State{}, persistErr("lock match", err)
	}
	if finished != nil {
		return models.State{}, matcherrors.ErrMatchFinished
	}
	latest, err := s.latestState(ctx, tx, st.MatchID)
	if err != nil {
		return models.State{}, persistErr("read latest", err)
	}
	if err := checkSequence(latest, st); err != nil {
		return models.State{}, err
	}

	prepareState(&st)
	if err := s.insertState(ctx, tx, &st); err != nil {
		return models.State{}, persistErr("append", err)
	}
	if shot != nil {
		if err := s.completeShot(ctx, tx, st, shot); err != nil {
			return models.State{}, persistErr("complete shot", err)
		}
	}
	if st.Final() {
		_, err := tx.Exec(ctx, `UPDATE matches SET winner = $1, end_reason = $2, finished_at = $3 WHERE id = $4`,
			sideOrNil(st.Winner), string(st.EndReason), st.CreatedAt, st.MatchID)
		if err != nil {
			return models.State{}, persistErr("finish match", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return models.State{}, persistErr("commit", err)
	}
	return st, nil
}

func (s *Store) completeShot(ctx context.Context, tx pgx.Tx, post models.State, shot *models.ShotInfo) error {
	var resultID *uuid.UUID
	if shot.Result != nil {
		res := shot.Result.Clone()
		if err := s.insertStones(ctx, tx, post.MatchID, &res); err != nil {
			return err
		}
		resultID = &res.ID
	}
	var actual models.ShotParams
	if shot.Actual != nil {
		actual = *shot.Actual
	}
	tag, err := tx.Exec(ctx, `
		UPDATE shot_infos SET actual_translational_velocity = $1, actual_angular_velocity = $2, actual_shot_angle = $3,
			elapsed_seconds = $4, post_state_id = $5, result_stone_coordinate_id = $6
		WHERE id = $7 AND post_state_id IS NULL`,
		actual.TranslationalVelocity, actual.AngularVelocity, actual.ShotAngle,
		shot.ElapsedSeconds, post.ID, resultID, shot.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("shot %s missing or already completed", shot.ID)
	}
	if shot.Trajectory != nil && len(shot.Trajectory.Frames) > 0 {
		trajID := shot.Trajectory.ID
		if trajID == uuid.Nil {
			trajID = newID()
		}
		_, err = tx.Exec(ctx, `INSERT INTO trajectories (id, shot_id, data_format_version, frames) VALUES ($1, $2, $3, $4)`,
			trajID, shot.ID, shot.Trajectory.DataFormatVersion, []byte(shot.Trajectory.Frames))
	}
	return err
}

// AppendShotInfo stores the requested parameters of a dispatched shot.
func (s *Store) AppendShotInfo(ctx context.Context, info models.ShotInfo) error {
	if info.CreatedAt.IsZero() {
		info.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO shot_infos (id, match_id, team, player_index, translational_velocity, angular_velocity, shot_angle,
			elapsed_seconds, pre_state_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`,
		info.ID, info.MatchID, int(info.Team), info.PlayerIndex,
		info.Requested.TranslationalVelocity, info.Requested.AngularVelocity, info.Requested.ShotAngle,
		info.ElapsedSeconds, info.PreStateID, info.CreatedAt)
	if err != nil {
		return persistErr("insert shot", err)
	}
	return nil
}

// ReadShotInfo loads a shot with its trajectory, if any.
func (s *Store) ReadShotInfo(ctx context.Context, shotID uuid.UUID) (models.ShotInfo, error) {
	var (
		info       models.ShotInfo
		team       int
		av, aw, aa *float64
		trajID     *uuid.UUID
		trajFormat *string
		frames     []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT si.id, si.match_id, si.team, si.player_index, si.translational_velocity, si.angular_velocity, si.shot_angle,
			si.actual_translational_velocity, si.actual_angular_velocity, si.actual_shot_angle,
			si.elapsed_seconds, si.pre_state_id, si.post_state_id, si.created_at,
			t.id, t.data_format_version, t.frames
		FROM shot_infos si LEFT JOIN trajectories t ON t.shot_id = si.id
		WHERE si.id = $1`, shotID).Scan(
		&info.ID, &info.MatchID, &team, &info.PlayerIndex,
		&info.Requested.TranslationalVelocity, &info.Requested.AngularVelocity, &info.Requested.ShotAngle,
		&av, &aw, &aa, &info.ElapsedSeconds, &info.PreStateID, &info.PostStateID, &info.CreatedAt,
		&trajID, &trajFormat, &frames)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ShotInfo{}, fmt.Errorf("shot %s: %w", shotID, matcherrors.ErrMatchNotFound)
	}
	if err != nil {
		return models.ShotInfo{}, err
	}
	info.Team = models.Side(team)
	if av != nil && aw != nil && aa != nil {
		info.Actual = &models.ShotParams{TranslationalVelocity: *av, AngularVelocity: *aw, ShotAngle: *aa}
	}
	if trajID != nil {
		info.Trajectory = &models.Trajectory{ID: *trajID, ShotID: info.ID, Frames: frames}
		if trajFormat != nil {
			info.Trajectory.DataFormatVersion = *trajFormat
		}
	}
	return info, nil
}

// EndSetup reads the setup record for an end.
func (s *Store) EndSetup(ctx context.Context, matchID uuid.UUID, end int) (models.EndSetup, bool, error) {
	es := models.EndSetup{MatchID: matchID, EndNumber: end}
	var team int
	var pp string
	err := s.pool.QueryRow(ctx, `
		SELECT setup_team, done, selector_throws_first, power_play FROM end_setups
		WHERE match_id = $1 AND end_number = $2`, matchID, end).Scan(&team, &es.Done, &es.SelectorThrowsFirst, &pp)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.EndSetup{}, false, nil
	}
	if err != nil {
		return models.EndSetup{}, false, err
	}
	es.SetupTeam = models.Side(team)
	es.PowerPlay = models.PowerPlaySide(pp)
	return es, true, nil
}

// PutEndSetup creates or resets the pending record for an end.
func (s *Store) PutEndSetup(ctx context.Context, es models.EndSetup) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO end_setups (match_id, end_number, setup_team, done)
		VALUES ($1, $2, $3, false)
		ON CONFLICT (match_id, end_number) DO UPDATE SET setup_team = EXCLUDED.setup_team, done = false,
			selector_throws_first = false, power_play = ''`,
		es.MatchID, es.EndNumber, int(es.SetupTeam))
	if err != nil {
		return persistErr("put end setup", err)
	}
	return nil
}

// CompleteEndSetup marks the end set up and appends the setup State.
func (s *Store) CompleteEndSetup(ctx context.Context, es models.EndSetup, st models.State) (models.State, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return models.State{}, persistErr("begin", err)
	}
	defer tx.Rollback(ctx)

	var done bool
	err = tx.QueryRow(ctx, `SELECT done FROM end_setups WHERE match_id = $1 AND end_number = $2 FOR UPDATE`,
		es.MatchID, es.EndNumber).Scan(&done)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.State{}, fmt.Errorf("no setup record for end %d: %w", es.EndNumber, matcherrors.ErrEndSetupIncomplete)
	}
	if err != nil {
		return models.State{}, persistErr("lock end setup", err)
	}
	if done {
		return models.State{}, matcherrors.ErrEndSetupDone
	}
	latest, err := s.latestState(ctx, tx, st.MatchID)
	if err != nil {
		return models.State{}, persistErr("read latest", err)
	}
	if err := checkSequence(latest, st); err != nil {
		return models.State{}, err
	}
	_, err = tx.Exec(ctx, `
		UPDATE end_setups SET done = true, selector_throws_first = $1, power_play = $2
		WHERE match_id = $3 AND end_number = $4`,
		es.SelectorThrowsFirst, string(es.PowerPlay), es.MatchID, es.EndNumber)
	if err != nil {
		return models.State{}, persistErr("mark end setup", err)
	}
	if es.PowerPlay != models.PowerPlayNone {
		col := "team0_power_play_end"
		if es.SetupTeam == models.Team1 {
			col = "team1_power_play_end"
		}
		if _, err := tx.Exec(ctx, `UPDATE matches SET `+col+` = $1 WHERE id = $2`, es.EndNumber, es.MatchID); err != nil {
			return models.State{}, persistErr("record power play", err)
		}
	}
	prepareState(&st)
	if err := s.insertState(ctx, tx, &st); err != nil {
		return models.State{}, persistErr("append", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.State{}, persistErr("commit", err)
	}
	return st, nil
}

// SubscribeStateChanges listens on the notification channel with a dedicated
// connection and forwards matching payloads. Lost connections are re-acquired
// until ctx is done; a reconnect sends one synthetic notification so the
// consumer re-reads anything it may have missed.
func (s *Store) SubscribeStateChanges(ctx context.Context, matchID uuid.UUID) (<-chan uuid.UUID, error) {
	conn, err := s.listen(ctx)
	if err != nil {
		return nil, err
	}
	out := make(chan uuid.UUID, 1)
	go func() {
		defer close(out)
		backoff := 250 * time.Millisecond
		for {
			err := pump(ctx, conn, matchID, out)
			conn.Close(context.Background())
			if ctx.Err() != nil {
				return
			}
			slog.Warn("notification listener lost", "tag", "storage", "err", err)
			for {
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
				if conn, err = s.listen(ctx); err == nil {
					break
				}
				if backoff < 10*time.Second {
					backoff *= 2
				}
			}
			backoff = 250 * time.Millisecond
			if matchID != uuid.Nil {
				coalesce(out, matchID)
			}
		}
	}()
	return out, nil
}

// listen takes a connection out of the pool for the lifetime of a LISTEN.
func (s *Store) listen(ctx context.Context) (*pgx.Conn, error) {
	pc, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	conn := pc.Hijack()
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{StateChangesChannel}.Sanitize()); err != nil {
		conn.Close(context.Background())
		return nil, err
	}
	return conn, nil
}

func pump(ctx context.Context, conn *pgx.Conn, matchID uuid.UUID, out chan uuid.UUID) error {
	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		id, err := uuid.Parse(strings.TrimSpace(n.Payload))
		if err != nil {
			continue
		}
		if matchID != uuid.Nil && id != matchID {
			continue
		}
		coalesce(out, id)
	}
}

// DeleteMatchesBefore removes old matches; dependent rows cascade.
func (s *Store) DeleteMatchesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM matches WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
