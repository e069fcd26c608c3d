package gamedb

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/decred/dcrd/dcrutil/v4"
	bolt "go.etcd.io/bbolt"
)

var (
	gamesBucket   = []byte("games")
	gamesSeqIdx   = []byte("games:seq") // seq -> game id, for recency scans
	playersBucket = []byte("players")
)

// BoltDB implements GameDB on a bbolt file.
type BoltDB struct {
	db *bolt.DB
}

var _ GameDB = (*BoltDB)(nil)

func NewBoltDB(dataDir string) (*BoltDB, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := bolt.Open(filepath.Join(dataDir, "flockwars.db"), 0o600,
		&bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{gamesBucket, gamesSeqIdx, playersBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create %s bucket: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltDB{db: db}, nil
}

func (b *BoltDB) Close() error { return b.db.Close() }

// RecordCompletedGame writes the game row and both players' stat updates in
// a single transaction: either everything lands or nothing does.
func (b *BoltDB) RecordCompletedGame(_ context.Context, rec *CompletedGame) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		games := tx.Bucket(gamesBucket)
		if games == nil {
			return ErrMainBucketNotFound
		}
		key := []byte(rec.GameID)
		if games.Get(key) != nil {
			return fmt.Errorf("%w: %s", ErrDuplicateGame, rec.GameID)
		}
		val, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal game: %w", err)
		}
		if err := games.Put(key, val); err != nil {
			return err
		}

		idx := tx.Bucket(gamesSeqIdx)
		seq, err := idx.NextSequence()
		if err != nil {
			return err
		}
		var seqKey [8]byte
		binary.BigEndian.PutUint64(seqKey[:], seq)
		if err := idx.Put(seqKey[:], key); err != nil {
			return err
		}

		players := tx.Bucket(playersBucket)
		for i, p := range rec.Players {
			stats, err := loadStats(players, p.Addr)
			if err != nil {
				return err
			}
			opp := rec.Players[1-i]
			stats.Played++
			// Hits earn from the opponent; misses and hits received are
			// paid out of pocket.
			stats.AtomsEarned += dcrAmount(p.Hits) * rec.HitAtoms
			stats.AtomsSpent += dcrAmount(p.Misses)*rec.MissAtoms + dcrAmount(opp.Hits)*rec.HitAtoms
			if p.Addr == rec.Winner {
				stats.Won++
				stats.AtomsEarned += rec.WinnerPayout
			} else {
				stats.Lost++
			}
			if err := saveStats(players, stats); err != nil {
				return err
			}
		}
		return nil
	})
}

func dcrAmount(n int) dcrutil.Amount { return dcrutil.Amount(n) }

func loadStats(bkt *bolt.Bucket, addr string) (*PlayerStats, error) {
	raw := bkt.Get([]byte(addr))
	if raw == nil {
		return &PlayerStats{Addr: addr}, nil
	}
	var s PlayerStats
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("unmarshal stats for %s: %w", addr, err)
	}
	return &s, nil
}

func saveStats(bkt *bolt.Bucket, s *PlayerStats) error {
	val, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}
	return bkt.Put([]byte(s.Addr), val)
}

func (b *BoltDB) FetchGame(_ context.Context, gameID string) (*CompletedGame, error) {
	var rec *CompletedGame
	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(gamesBucket).Get([]byte(gameID))
		if raw == nil {
			return fmt.Errorf("%w: %s", ErrGameNotFound, gameID)
		}
		rec = new(CompletedGame)
		return json.Unmarshal(raw, rec)
	})
	return rec, err
}

func (b *BoltDB) FetchPlayerStats(_ context.Context, addr string) (*PlayerStats, error) {
	var stats *PlayerStats
	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(playersBucket).Get([]byte(addr))
		if raw == nil {
			return fmt.Errorf("%w: %s", ErrPlayerNotFound, addr)
		}
		stats = new(PlayerStats)
		return json.Unmarshal(raw, stats)
	})
	return stats, err
}

func (b *BoltDB) FetchRecentGames(_ context.Context, limit int) ([]*CompletedGame, error) {
	var out []*CompletedGame
	err := b.db.View(func(tx *bolt.Tx) error {
		games := tx.Bucket(gamesBucket)
		c := tx.Bucket(gamesSeqIdx).Cursor()
		for k, id := c.Last(); k != nil && len(out) < limit; k, id = c.Prev() {
			raw := games.Get(id)
			if raw == nil {
				continue
			}
			rec := new(CompletedGame)
			if err := json.Unmarshal(raw, rec); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}
