// checkpoint.go
//
// Checkpoint persistence. The coordinating rank gathers the full unsharded
// state, writes it in safetensors layout (JSON header + little-endian
// buffer) together with the tokenizer files, and optionally mirrors the
// directory to a remote durable store.

package prime

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ModelStateFile is the model state file name inside a checkpoint directory.
const ModelStateFile = "model.safetensors"

// RemoteStore mirrors checkpoint directories to durable storage (the
// production implementation speaks HDFS; tests use a local-directory fake).
type RemoteStore interface {
	MakeDirs(path string) error
	Copy(src, dst string) error
}

// tensorInfo is one entry of the safetensors header. Endianness is
// little-endian, ordering is 'C'.
type tensorInfo struct {
	DType       string    `json:"dtype"`
	Shape       []int     `json:"shape"`
	DataOffsets [2]uint64 `json:"data_offsets"`
}

// SaveCheckpoint writes the gathered full state plus tokenizer files into
// localPath, on the coordinating rank only. The directory is staged under a
// temporary name and renamed into place so a crashed save never leaves a
// half-written checkpoint behind. When remotePath is non-empty the finished
// directory is mirrored through store.
//
// Collective contract: every rank must reach the gather that produced state
// before calling this; the caller holds the group barrier.
func SaveCheckpoint(ctx DistContext, state map[string]*Tensor, tok Tokenizer, localPath, remotePath string, store RemoteStore) error {
	if !IsCoordinator(ctx) {
		return nil
	}
	logrus.Infof("saving checkpoint to %s", localPath)

	stage := fmt.Sprintf("%s.tmp-%s", localPath, uuid.NewString())
	if err := os.MkdirAll(stage, 0o755); err != nil {
		return fmt.Errorf("checkpoint: stage dir: %w", err)
	}
	if err := writeSafetensors(filepath.Join(stage, ModelStateFile), state); err != nil {
		os.RemoveAll(stage)
		return err
	}
	if tok != nil {
		if err := tok.Save(stage); err != nil {
			os.RemoveAll(stage)
			return fmt.Errorf("checkpoint: tokenizer save: %w", err)
		}
	}
	if err := os.RemoveAll(localPath); err != nil {
		os.RemoveAll(stage)
		return fmt.Errorf("checkpoint: clear destination: %w", err)
	}
	if err := os.Rename(stage, localPath); err != nil {
		os.RemoveAll(stage)
		return fmt.Errorf("checkpoint: publish: %w", err)
	}

	if remotePath != "" {
		if store == nil {
			return fmt.Errorf("checkpoint: remote path %s given without a store", remotePath)
		}
		logrus.Infof("uploading checkpoint to %s", remotePath)
		if err := store.MakeDirs(remotePath); err != nil {
			return fmt.Errorf("checkpoint: remote mkdirs: %w", err)
		}
		if err := store.Copy(localPath, remotePath); err != nil {
			return fmt.Errorf("checkpoint: remote copy: %w", err)
		}
	}
	return nil
}

// writeSafetensors serializes named tensors as float64 ("F64") safetensors.
func writeSafetensors(path string, state map[string]*Tensor) error {
	names := make([]string, 0, len(state))
	for name := range state {
		names = append(names, name)
	}
	sort.Strings(names)

	header := map[string]tensorInfo{}
	offset := uint64(0)
	for _, name := range names {
		t := state[name]
		size := uint64(t.Numel()) * 8
		header[name] = tensorInfo{
			DType:       "F64",
			Shape:       t.Shape(),
			DataOffsets: [2]uint64{offset, offset + size},
		}
		offset += size
	}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("checkpoint: header: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("checkpoint: create %s: %w", path, err)
	}
	defer f.Close()

	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerJSON)))
	if _, err := f.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("checkpoint: write header length: %w", err)
	}
	if _, err := f.Write(headerJSON); err != nil {
		return fmt.Errorf("checkpoint: write header: %w", err)
	}
	var elemBuf [8]byte
	for _, name := range names {
		for _, v := range state[name].Data() {
			binary.LittleEndian.PutUint64(elemBuf[:], math.Float64bits(v))
			if _, err := f.Write(elemBuf[:]); err != nil {
				return fmt.Errorf("checkpoint: write %s: %w", name, err)
			}
		}
	}
	return nil
}
