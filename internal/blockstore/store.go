// Package blockstore implements the content-addressed, encrypted-at-rest block repository
// (spec §4.3): anti-entrapment double-hash addressing, distance-based admission and eviction,
// and on-disk ciphertext files under {data_dir}/{instance}/{block_id}.blk (spec §6.4).
package blockstore

import (
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/nmxmxh/morphis-overlay/internal/log"
	"github.com/nmxmxh/morphis-overlay/internal/overlayerr"
	"github.com/nmxmxh/morphis-overlay/internal/overlayid"
	"github.com/nmxmxh/morphis-overlay/internal/peerstore"
)

var bucketBlocks = []byte("datablocks")

// DataBlock is the persisted metadata row described in spec §3.
type DataBlock struct {
	ID              string       `json:"id"`
	DataID          overlayid.ID `json:"data_id"`
	Distance        overlayid.ID `json:"distance"` // raw XOR(data_id, local_id), not a log bucket (spec §4.3, P5)
	OriginalSize    int          `json:"original_size"`
	MainLen         int          `json:"main_len"`
	InsertTimestamp time.Time    `json:"insert_timestamp"`
}

// Store is the content-addressed block repository for one node instance.
type Store struct {
	peers    *peerstore.Store // shares the bbolt handle and its single-writer table lock
	localID  overlayid.ID
	dataDir  string
	maxBytes int64
	// maxBlockBytes gates admission-with-pruning (spec's MAX_DATA_BLOCK_SIZE): distinct from
	// maxBytes, the total datastore cap.
	maxBlockBytes int64
	log           *log.Logger

	// bloom is a fast probabilistic pre-check ahead of the bbolt lookup in the dedup/admission
	// path (spec's "do we already hold this data_id"); a negative answer is authoritative, a
	// positive answer still needs the bbolt confirmation below.
	bloom   *bloom.BloomFilter
	bloomN  uint
}

// Config configures a new content Store.
type Config struct {
	DataDir      string
	Instance     string
	LocalID      overlayid.ID
	MaxDataBytes int64
	// MaxDataBlockSize is the spec's MAX_DATA_BLOCK_SIZE: the threshold farther-held bytes must
	// reach before admission-with-pruning is allowed (distinct from MaxDataBytes, the total cap).
	MaxDataBlockSize int64
}

// Open constructs a Store backed by peers' bbolt handle for metadata and dataDir/instance for
// ciphertext files.
func Open(peers *peerstore.Store, cfg Config) (*Store, error) {
	dir := filepath.Join(cfg.DataDir, cfg.Instance)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, overlayerr.Wrap(err, "blockstore: mkdir data dir")
	}
	if err := peers.DBRaw().Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketBlocks)
		return err
	}); err != nil {
		return nil, overlayerr.Wrap(err, "blockstore: init bucket")
	}
	s := &Store{
		peers:         peers,
		localID:       cfg.LocalID,
		dataDir:       dir,
		maxBytes:      cfg.MaxDataBytes,
		maxBlockBytes: cfg.MaxDataBlockSize,
		log:           log.Default("blockstore"),
		bloom:         bloom.NewWithEstimates(100_000, 0.01),
	}
	all, err := s.all()
	if err != nil {
		return nil, err
	}
	for _, b := range all {
		s.bloom.Add(b.DataID[:])
	}
	s.bloomN = uint(len(all))
	return s, nil
}

func (s *Store) blockPath(id string) string {
	return filepath.Join(s.dataDir, id+".blk")
}

func (s *Store) all() ([]*DataBlock, error) {
	var out []*DataBlock
	err := s.peers.DBRaw().View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBlocks).ForEach(func(_, v []byte) error {
			b, err := decodeBlock(v)
			if err != nil {
				return err
			}
			out = append(out, b)
			return nil
		})
	})
	return out, err
}

// MaxDataBytes returns the configured per-datastore size cap (spec's eviction threshold).
func (s *Store) MaxDataBytes() int64 { return s.maxBytes }

// MaxDataBlockSize returns the configured MAX_DATA_BLOCK_SIZE admission-with-pruning threshold.
func (s *Store) MaxDataBlockSize() int64 { return s.maxBlockBytes }

// Has reports whether data_id is already stored, consulting the bloom filter first.

func (s *Store) Has(dataID overlayid.ID) (bool, error) {
	if !s.bloom.Test(dataID[:]) {
		return false, nil
	}
	blocks, err := s.all()
	if err != nil {
		return false, err
	}
	for _, b := range blocks {
		if b.DataID == dataID {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) datastoreSize() (int64, error) {
	var size int64
	found, err := s.peers.NodeStateGet(peerstore.DatastoreSizeKey, &size)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, nil
	}
	return size, nil
}

// CheckDoWantData implements §4.3's _check_do_want_data: accept if under capacity, else accept
// with a pruning flag only if farther-than-candidate blocks sum to at least MAX_DATA_BLOCK_SIZE;
// never accept a block farther than every block already held. Distance is the raw XOR distance
// (spec P5), not the log-distance bucket, since many data_ids tie in the same bucket.
func (s *Store) CheckDoWantData(dataID overlayid.ID, candidateSize int) (accept bool, needsPrune bool, err error) {
	used, err := s.datastoreSize()
	if err != nil {
		return false, false, err
	}
	if used+int64(candidateSize) <= s.maxBytes {
		return true, false, nil
	}

	distance := overlayid.XOR(s.localID, dataID)
	blocks, err := s.all()
	if err != nil {
		return false, false, err
	}

	var maxHeldDistance overlayid.ID
	haveBlocks := false
	var fartherSum int64
	for _, b := range blocks {
		if !haveBlocks || overlayid.Greater(b.Distance, maxHeldDistance) {
			maxHeldDistance = b.Distance
			haveBlocks = true
		}
		if overlayid.Greater(b.Distance, distance) {
			fartherSum += int64(b.OriginalSize)
		}
	}
	if !haveBlocks || overlayid.Greater(distance, maxHeldDistance) {
		// Never accept a block farther than everything we already hold.
		return false, false, nil
	}
	if fartherSum >= s.maxBlockBytes {
		return true, true, nil
	}
	return false, false, nil
}

// evictionSet picks the farthest-first blocks whose sizes sum to at least need, for pruning.
func evictionSet(blocks []*DataBlock, distance overlayid.ID, need int64) []*DataBlock {
	candidates := make([]*DataBlock, 0, len(blocks))
	for _, b := range blocks {
		if overlayid.Greater(b.Distance, distance) {
			candidates = append(candidates, b)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return overlayid.Greater(candidates[i].Distance, candidates[j].Distance)
	})

	var freed int64
	out := make([]*DataBlock, 0)
	for _, b := range candidates {
		if freed >= need {
			break
		}
		out = append(out, b)
		freed += int64(b.OriginalSize)
	}
	return out
}

// StoreResult reports the outcome of Store.
type StoreResult struct {
	// Stored is nil if the block was already present (refuse with stored=None per spec),
	// true on success, false on I/O failure (rolled back).
	Stored *bool
}

// Store persists plaintext under data_id = H(H(plaintext)), data_key = H(plaintext), following
// §4.3's dedup check, eviction, row insert, NodeState.DATASTORE_SIZE adjustment (all under one
// bbolt write transaction — the spec's DataBlock table lock), then the ciphertext write, with
// I/O-failure rollback.
func (s *Store) Store(plaintext []byte) (dataID overlayid.ID, dataKey overlayid.ID, result StoreResult, err error) {
	dataKey = overlayid.Hash(plaintext)
	dataID = overlayid.Hash(dataKey[:])

	originalSize := len(plaintext)
	distance := overlayid.XOR(s.localID, dataID)

	accept, needsPrune, err := s.CheckDoWantData(dataID, originalSize)
	if err != nil {
		return dataID, dataKey, result, err
	}
	if !accept {
		return dataID, dataKey, result, nil
	}

	var newRow DataBlock
	var evicted []*DataBlock
	txErr := s.peers.DBRaw().Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBlocks)

		var dup bool
		if err := b.ForEach(func(_, v []byte) error {
			row, err := decodeBlock(v)
			if err != nil {
				return err
			}
			if row.DataID == dataID {
				dup = true
			}
			return nil
		}); err != nil {
			return err
		}
		if dup {
			result.Stored = nil
			return errAlreadyStored
		}

		var all []*DataBlock
		if err := b.ForEach(func(_, v []byte) error {
			row, err := decodeBlock(v)
			if err != nil {
				return err
			}
			all = append(all, row)
			return nil
		}); err != nil {
			return err
		}

		var freed int64
		if needsPrune {
			evicted = evictionSet(all, distance, int64(originalSize))
			for _, e := range evicted {
				freed += int64(e.OriginalSize)
				if err := b.Delete([]byte(e.ID)); err != nil {
					return err
				}
			}
		}

		newRow = DataBlock{
			ID:              uuid.NewString(),
			DataID:          dataID,
			Distance:        distance,
			OriginalSize:    originalSize,
			InsertTimestamp: time.Now(),
		}
		data, err := encodeBlock(&newRow)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(newRow.ID), data); err != nil {
			return err
		}

		used, err := s.datastoreSizeTx(tx)
		if err != nil {
			return err
		}
		used += int64(originalSize) - freed
		return s.peers.NodeStateSetTx(tx, peerstore.DatastoreSizeKey, used)
	})
	if txErr == errAlreadyStored {
		return dataID, dataKey, result, nil
	}
	if txErr != nil {
		return dataID, dataKey, result, txErr
	}

	main, remainder, err := EncryptDataBlock(plaintext, dataKey)
	if err != nil {
		s.rollbackRow(&newRow, originalSize)
		return dataID, dataKey, result, err
	}
	newRow.MainLen = len(main)
	if err := s.writeBlockFile(newRow.ID, main, remainder); err != nil {
		s.rollbackRow(&newRow, originalSize)
		stored := false
		result.Stored = &stored
		return dataID, dataKey, result, nil
	}

	for _, e := range evicted {
		os.Remove(s.blockPath(e.ID))
	}

	s.bloom.Add(dataID[:])
	stored := true
	result.Stored = &stored
	return dataID, dataKey, result, nil
}

var errAlreadyStored = overlayerr.New("blockstore: data_id already present")

// rollbackRow compensates a write that failed after the metadata transaction committed: delete
// the row and restore DATASTORE_SIZE, both under the table lock (spec §7, "Block write I/O
// failure").
func (s *Store) rollbackRow(row *DataBlock, size int) {
	err := s.peers.DBRaw().Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketBlocks).Delete([]byte(row.ID)); err != nil {
			return err
		}
		used, err := s.datastoreSizeTx(tx)
		if err != nil {
			return err
		}
		used -= int64(size)
		if used < 0 {
			used = 0
		}
		return s.peers.NodeStateSetTx(tx, peerstore.DatastoreSizeKey, used)
	})
	if err != nil {
		s.log.Error("blockstore: rollback failed", log.Err(err))
	}
	os.Remove(s.blockPath(row.ID))
}

func (s *Store) datastoreSizeTx(tx *bolt.Tx) (int64, error) {
	var size int64
	raw := tx.Bucket(peerstore.BucketNodeState()).Get([]byte(peerstore.DatastoreSizeKey))
	if raw == nil {
		return 0, nil
	}
	if err := decodeJSON(raw, &size); err != nil {
		return 0, err
	}
	return size, nil
}

func (s *Store) writeBlockFile(id string, main, remainder []byte) error {
	f, err := os.Create(s.blockPath(id))
	if err != nil {
		return overlayerr.Wrap(err, "blockstore: create block file")
	}
	defer f.Close()
	if _, err := f.Write(main); err != nil {
		return overlayerr.Wrap(err, "blockstore: write main")
	}
	if _, err := f.Write(remainder); err != nil {
		return overlayerr.Wrap(err, "blockstore: write remainder")
	}
	return nil
}

// Retrieve looks up a block by data_id and returns its raw ciphertext and original size (§4.3's
// Retrieve, decoupled from decryption — the caller supplies data_key to decrypt and validate).
func (s *Store) Retrieve(dataID overlayid.ID) (ciphertext []byte, originalSize int, found bool, err error) {
	if !s.bloom.Test(dataID[:]) {
		return nil, 0, false, nil
	}
	blocks, err := s.all()
	if err != nil {
		return nil, 0, false, err
	}
	var row *DataBlock
	for _, b := range blocks {
		if b.DataID == dataID {
			row = b
			break
		}
	}
	if row == nil {
		return nil, 0, false, nil
	}
	raw, err := os.ReadFile(s.blockPath(row.ID))
	if err != nil {
		return nil, 0, false, overlayerr.Wrap(err, "blockstore: read block file")
	}
	return raw, row.OriginalSize, true, nil
}

// RetrievePlaintext reads, decrypts, and validates a block against the anti-entrapment hash
// check (spec P6: H(H(b)) == data_id and H(b) == data_key).
func (s *Store) RetrievePlaintext(dataID, dataKey overlayid.ID) ([]byte, bool, error) {
	ciphertext, originalSize, found, err := s.Retrieve(dataID)
	if err != nil || !found {
		return nil, false, err
	}
	main, remainder := splitCiphertext(ciphertext)
	plaintext, err := DecryptDataBlock(main, remainder, dataKey, originalSize)
	if err != nil {
		return nil, false, err
	}
	if overlayid.Hash(plaintext) != dataKey {
		return nil, false, nil
	}
	if overlayid.Hash(dataKey[:]) != dataID {
		return nil, false, nil
	}
	return plaintext, true, nil
}

// splitCiphertext recovers the main/remainder split from a flat on-disk file: main is every
// whole AES block, remainder is the trailing partial block (if any) — the same split
// EncryptDataBlock produced before concatenation in writeBlockFile.
func splitCiphertext(ciphertext []byte) (main, remainder []byte) {
	whole := (len(ciphertext) / blockSize) * blockSize
	return ciphertext[:whole], ciphertext[whole:]
}
