package turbodl

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cognusion/go-timings"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/blake2s"
)

// HashType identifies one of the accepted digest algorithms, spec §4.F/§6.
type HashType string

const (
	HashMD5     HashType = "md5"
	HashSHA1    HashType = "sha1"
	HashSHA224  HashType = "sha224"
	HashSHA256  HashType = "sha256"
	HashSHA384  HashType = "sha384"
	HashSHA512  HashType = "sha512"
	HashBLAKE2b HashType = "blake2b"
	HashBLAKE2s HashType = "blake2s"
)

func newHasher(t HashType) (hash.Hash, error) {
	switch t {
	case HashMD5, "":
		return md5.New(), nil
	case HashSHA1:
		return sha1.New(), nil
	case HashSHA224:
		return sha256.New224(), nil
	case HashSHA256:
		return sha256.New(), nil
	case HashSHA384:
		return sha512.New384(), nil
	case HashSHA512:
		return sha512.New(), nil
	case HashBLAKE2b:
		return blake2b.New256(nil)
	case HashBLAKE2s:
		return blake2s.New256(nil)
	default:
		return nil, fmt.Errorf("turbodl: unsupported hash_type %q", t)
	}
}

// finalize is Component F: close+flush is the caller's responsibility
// before this is invoked; finalize verifies the hash (if requested),
// resolves the collision-safe final path, and renames the sentinel into
// place. It returns the final path or an error.
func finalize(sentinelPath, destPath string, expectedHash string, hashType HashType, overwrite bool, timingsOut *log.Logger) (string, error) {
	if expectedHash != "" {
		defer timings.Track("hash verify", time.Now(), timingsOut)

		if err := verifyHash(sentinelPath, expectedHash, hashType); err != nil {
			os.Remove(sentinelPath)
			return "", err
		}
	}

	finalPath, err := resolveFinalPath(destPath, overwrite)
	if err != nil {
		return "", newError(KindIOError, false, err)
	}

	if overwrite {
		if _, err := os.Stat(finalPath); err == nil {
			if err := os.Remove(finalPath); err != nil {
				return "", newError(KindIOError, false, err)
			}
		}
	}

	if err := os.Rename(sentinelPath, finalPath); err != nil {
		return "", newError(KindIOError, false, err)
	}

	return finalPath, nil
}

func verifyHash(path, expectedHash string, hashType HashType) error {
	f, err := os.Open(path)
	if err != nil {
		return newError(KindIOError, false, err)
	}
	defer f.Close()

	h, err := newHasher(hashType)
	if err != nil {
		return newError(KindHashMismatch, false, err)
	}

	if _, err := io.Copy(h, f); err != nil {
		return newError(KindIOError, false, err)
	}

	got := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(got, expectedHash) {
		return newError(KindHashMismatch, false, fmt.Errorf("hash mismatch: got %s, expected %s", got, expectedHash))
	}
	return nil
}

// resolveFinalPath implements spec §4.F step 3: when overwrite is false,
// find the smallest k ≥ 1 such that "<stem>_<k><ext>" doesn't exist.
func resolveFinalPath(destPath string, overwrite bool) (string, error) {
	if overwrite {
		return destPath, nil
	}

	if _, err := os.Stat(destPath); os.IsNotExist(err) {
		return destPath, nil
	} else if err != nil {
		return "", err
	}

	dir := filepath.Dir(destPath)
	ext := filepath.Ext(destPath)
	stem := strings.TrimSuffix(filepath.Base(destPath), ext)

	for k := 1; ; k++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s_%d%s", stem, k, ext))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate, nil
		} else if err != nil {
			return "", err
		}
	}
}

// sentinelPathFor returns the temporary path used during transfer.
func sentinelPathFor(destPath string) string {
	return destPath + ".turbodownload"
}
