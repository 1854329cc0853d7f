// Package auth implements the challenge/proof state machine that links a
// messaging-platform identity to an IRC channel identity. Sessions are durable
// rows in auth_sessions, so gating decisions survive process restarts.
//
// States: unauthenticated -> challenge -> authenticated, with revocation back
// to unauthenticated when the channel-side identity departs. A challenge token
// is single-use, bounded by an expiry window, and at most one is outstanding
// per user.
package auth

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"
)

const (
	StateUnauthenticated = "unauthenticated"
	StateChallenge       = "challenge"
	StateAuthenticated   = "authenticated"
)

// Session is one user's durable auth state.
type Session struct {
	UserID          int64
	ChatID          int64
	State           string
	Challenge       string
	ChallengeExpiry time.Time
	Nick            string
	AuthenticatedAt time.Time
}

// Machine drives auth state transitions over the auth_sessions table.
type Machine struct {
	DB  *sql.DB
	TTL time.Duration
}

func (m *Machine) ttl() time.Duration {
	if m.TTL > 0 {
		return m.TTL
	}
	return 5 * time.Minute
}

// NewToken returns a fresh challenge token (10 hex chars from a CSPRNG).
func NewToken() (string, error) {
	buf := make([]byte, 5)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate challenge token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// IssueChallenge moves the user to the challenge state with a fresh token and
// expiry. Re-issuing overwrites any previous outstanding challenge, keeping
// the single-outstanding-challenge invariant. An authenticated user may
// re-authenticate; the new proof overwrites the stored nick.
func (m *Machine) IssueChallenge(ctx context.Context, userID, chatID int64) (string, error) {
	token, err := NewToken()
	if err != nil {
		return "", err
	}
	expiry := time.Now().Add(m.ttl())
	_, err = m.DB.ExecContext(ctx, `INSERT INTO auth_sessions (user_id, chat_id, state, challenge, challenge_expires_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			chat_id=EXCLUDED.chat_id,
			state=EXCLUDED.state,
			challenge=EXCLUDED.challenge,
			challenge_expires_at=EXCLUDED.challenge_expires_at,
			updated_at=NOW()`,
		userID, chatID, StateChallenge, token, expiry)
	if err != nil {
		return "", fmt.Errorf("issue challenge: %w", err)
	}
	slog.Info("auth challenge issued", slog.Int64("user_id", userID), slog.String("token", token))
	return token, nil
}

// OutstandingChallenge returns the live (unexpired) challenge token for a user, if any.
func (m *Machine) OutstandingChallenge(ctx context.Context, userID int64) (string, bool, error) {
	var token string
	err := m.DB.QueryRowContext(ctx, `SELECT challenge FROM auth_sessions
		WHERE user_id=$1 AND state=$2 AND challenge_expires_at > NOW()`, userID, StateChallenge).Scan(&token)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return token, true, nil
}

// VerifyProof consumes a still-valid challenge token observed in the channel,
// moving its session to authenticated under the claimed nick. The token is
// cleared in the same statement, so it is single-use even under concurrent
// proof attempts. A proof with no matching live challenge (expired, already
// used, or never issued) returns ok=false.
func (m *Machine) VerifyProof(ctx context.Context, token, nick string) (userID, chatID int64, ok bool, err error) {
	err = m.DB.QueryRowContext(ctx, `UPDATE auth_sessions
		SET state=$1, irc_nick=$2, authenticated_at=NOW(), challenge=NULL, challenge_expires_at=NULL, updated_at=NOW()
		WHERE state=$3 AND challenge=$4 AND challenge_expires_at > NOW()
		RETURNING user_id, chat_id`,
		StateAuthenticated, nick, StateChallenge, token).Scan(&userID, &chatID)
	if err == sql.ErrNoRows {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, fmt.Errorf("verify proof: %w", err)
	}
	slog.Info("auth proof accepted", slog.Int64("user_id", userID), slog.String("nick", nick))
	return userID, chatID, true, nil
}

// ExpireStale reverts sessions whose challenge window elapsed without a proof
// and returns them so held submissions can be dropped and the user notified.
func (m *Machine) ExpireStale(ctx context.Context) ([]Session, error) {
	rows, err := m.DB.QueryContext(ctx, `UPDATE auth_sessions
		SET state=$1, challenge=NULL, challenge_expires_at=NULL, updated_at=NOW()
		WHERE state=$2 AND challenge_expires_at <= NOW()
		RETURNING user_id, chat_id`, StateUnauthenticated, StateChallenge)
	if err != nil {
		return nil, fmt.Errorf("expire stale challenges: %w", err)
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		s := Session{State: StateUnauthenticated}
		if err := rows.Scan(&s.UserID, &s.ChatID); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// AuthenticatedName returns the channel identity a user is authenticated as.
func (m *Machine) AuthenticatedName(ctx context.Context, userID int64) (string, bool, error) {
	var nick string
	err := m.DB.QueryRowContext(ctx, `SELECT COALESCE(irc_nick,'') FROM auth_sessions
		WHERE user_id=$1 AND state=$2`, userID, StateAuthenticated).Scan(&nick)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return nick, nick != "", nil
}

// Revoke invalidates every session authenticated under the given nick.
// Called when the channel-side identity parts, quits, or changes nick.
// Already-done upload records keep their frozen display name.
func (m *Machine) Revoke(ctx context.Context, nick string) (int64, error) {
	res, err := m.DB.ExecContext(ctx, `UPDATE auth_sessions
		SET state=$1, irc_nick=NULL, updated_at=NOW()
		WHERE irc_nick=$2 AND state=$3`, StateUnauthenticated, nick, StateAuthenticated)
	if err != nil {
		return 0, fmt.Errorf("revoke sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if n > 0 {
		slog.Info("auth sessions revoked", slog.String("nick", nick), slog.Int64("count", n))
	}
	return n, err
}

// SetBlacklisted marks or unmarks a user as blacklisted. Blacklisting also
// revokes any live session and challenge, so the flag is the only gate left.
func (m *Machine) SetBlacklisted(ctx context.Context, userID int64, on bool) error {
	var err error
	if on {
		_, err = m.DB.ExecContext(ctx, `INSERT INTO auth_sessions (user_id, state, blacklisted, updated_at)
			VALUES ($1,$2,TRUE,NOW())
			ON CONFLICT (user_id) DO UPDATE SET
				state=$2, blacklisted=TRUE, challenge=NULL, challenge_expires_at=NULL, irc_nick=NULL, updated_at=NOW()`,
			userID, StateUnauthenticated)
	} else {
		_, err = m.DB.ExecContext(ctx, `UPDATE auth_sessions SET blacklisted=FALSE, updated_at=NOW() WHERE user_id=$1`, userID)
	}
	if err != nil {
		return fmt.Errorf("set blacklisted: %w", err)
	}
	slog.Info("blacklist updated", slog.Int64("user_id", userID), slog.Bool("blacklisted", on))
	return nil
}

// Blacklisted reports whether a user is barred from submitting.
func (m *Machine) Blacklisted(ctx context.Context, userID int64) (bool, error) {
	var on bool
	err := m.DB.QueryRowContext(ctx, `SELECT COALESCE(blacklisted, FALSE) FROM auth_sessions WHERE user_id=$1`, userID).Scan(&on)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return on, nil
}

// CountAuthenticated returns the number of currently authenticated users.
func (m *Machine) CountAuthenticated(ctx context.Context) (int, error) {
	var n int
	err := m.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM auth_sessions WHERE state=$1`, StateAuthenticated).Scan(&n)
	return n, err
}
