package transfer

import (
	"fmt"
	"io"
	"os"

	"github.com/minio/sha256-simd"

	"github.com/driftwire/driftwire/pkg/types"
)

// chunkSum computes the checksum carried alongside every chunk payload
func chunkSum(data []byte) types.Checksum {
	return types.Checksum(sha256.Sum256(data))
}

// fileSum computes the aggregate checksum over a whole file
func fileSum(path string) (types.Checksum, error) {
	var out types.Checksum

	f, err := os.Open(path)
	if err != nil {
		return out, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return out, fmt.Errorf("hash %s: %w", path, err)
	}
	copy(out[:], h.Sum(nil))
	return out, nil
}
