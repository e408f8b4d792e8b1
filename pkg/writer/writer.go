// Package writer performs the actual device write: stream an image file to
// a block device with fsync, then verify the write by hashing a prefix (or
// the whole image) and comparing source against device.
package writer

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/openwrt-imagegen/owrt-imagegen/pkg/errs"
	"github.com/openwrt-imagegen/owrt-imagegen/pkg/types"
)

// DefaultBlockSize is the I/O chunk size used for copy, hash, and wipe
// operations (1 MiB).
const DefaultBlockSize = 1024 * 1024

var verificationSizeBytes = map[types.VerificationMode]int64{
	types.VerifyPrefix16M: 16 * 1024 * 1024,
	types.VerifyPrefix64M: 64 * 1024 * 1024,
}

// Result describes the outcome of a Write.
type Result struct {
	Success            bool
	BytesWritten       int64
	SourceHash         string
	DeviceHash         string
	VerificationMode   types.VerificationMode
	VerificationResult types.VerificationResult
	ErrorMessage       string
}

// Writer streams image files to block devices.
type Writer struct {
	blockSize int
	log       *logrus.Entry
}

// New returns a Writer using DefaultBlockSize.
func New(log *logrus.Logger) *Writer {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Writer{blockSize: DefaultBlockSize, log: log.WithField("component", "writer")}
}

// Options configures a single Write invocation.
type Options struct {
	WipeBefore       bool
	VerificationMode types.VerificationMode
	ExpectedHash     string
}

// computeFileHash hashes up to maxBytes of path (the whole file when
// maxBytes is 0), returning the hex digest and bytes actually hashed.
func computeFileHash(path string, maxBytes int64, blockSize int) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, errs.New(errs.KindImageNotFound, "image file not found: "+path)
	}
	defer f.Close()

	hasher := sha256.New()
	var reader io.Reader = f
	if maxBytes > 0 {
		reader = io.LimitReader(f, maxBytes)
	}
	n, err := io.CopyBuffer(hasher, reader, make([]byte, blockSize))
	if err != nil {
		return "", 0, errs.Wrap(errs.KindWriteIOError, "error hashing "+path, err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), n, nil
}

// computeDeviceHash hashes exactly numBytes read from devicePath.
func computeDeviceHash(devicePath string, numBytes int64, blockSize int) (string, error) {
	f, err := os.Open(devicePath)
	if err != nil {
		return "", errs.Wrap(errs.KindWriteIOError, "error opening device for hashing "+devicePath, err)
	}
	defer f.Close()

	hasher := sha256.New()
	if _, err := io.CopyBuffer(hasher, io.LimitReader(f, numBytes), make([]byte, blockSize)); err != nil {
		return "", errs.Wrap(errs.KindWriteIOError, "error reading device for hashing "+devicePath, err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// VerifyDeviceHash hashes numBytes of devicePath and compares it against
// expectedHash without writing anything. Used to re-check a previously
// flashed device.
func VerifyDeviceHash(devicePath, expectedHash string, numBytes int64) (bool, string, error) {
	actual, err := computeDeviceHash(devicePath, numBytes, DefaultBlockSize)
	if err != nil {
		return false, "", err
	}
	return actual == expectedHash, actual, nil
}

// Wipe zeroes the first wipeBytes of devicePath, clearing any existing
// filesystem or partition signature.
func (w *Writer) Wipe(devicePath string, wipeBytes int64) (int64, error) {
	w.log.WithFields(logrus.Fields{"device": devicePath, "bytes": wipeBytes}).Info("wiping device")

	f, err := os.OpenFile(devicePath, os.O_WRONLY, 0)
	if err != nil {
		if os.IsPermission(err) {
			return 0, errs.New(errs.KindWritePermissionDenied,
				"permission denied writing to device: "+devicePath+". Try running with elevated privileges.")
		}
		return 0, errs.Wrap(errs.KindWriteIOError, "error opening device for wipe "+devicePath, err)
	}
	defer f.Close()

	zeros := make([]byte, w.blockSize)
	var wiped int64
	for wiped < wipeBytes {
		remaining := wipeBytes - wiped
		writeSize := int64(w.blockSize)
		if remaining < writeSize {
			writeSize = remaining
		}
		n, err := f.Write(zeros[:writeSize])
		if err != nil {
			return wiped, errs.Wrap(errs.KindWriteIOError, "error wiping device "+devicePath, err)
		}
		wiped += int64(n)
	}

	if err := f.Sync(); err != nil {
		return wiped, errs.Wrap(errs.KindWriteIOError, "error syncing device after wipe "+devicePath, err)
	}
	w.log.WithField("bytes", wiped).Info("wipe complete")
	return wiped, nil
}

// Write copies imagePath onto devicePath, optionally wiping first, then
// verifies the write per opts.VerificationMode.
func (w *Writer) Write(imagePath, devicePath string, opts Options) (*Result, error) {
	info, err := os.Stat(imagePath)
	if err != nil {
		return nil, errs.New(errs.KindImageNotFound, "image file not found: "+imagePath)
	}
	imageSize := info.Size()

	mode := opts.VerificationMode
	if mode == "" {
		mode = types.VerifyFull
	}

	var verifyBytes int64
	switch mode {
	case types.VerifySkip:
		verifyBytes = 0
	default:
		if sz, ok := verificationSizeBytes[mode]; ok {
			verifyBytes = sz
			if verifyBytes > imageSize {
				verifyBytes = imageSize
			}
		} else {
			verifyBytes = imageSize
		}
	}

	sourceHash := opts.ExpectedHash
	if sourceHash == "" && mode != types.VerifySkip {
		hashLimit := verifyBytes
		if hashLimit >= imageSize {
			hashLimit = 0
		}
		sourceHash, _, err = computeFileHash(imagePath, hashLimit, w.blockSize)
		if err != nil {
			return nil, err
		}
	}

	if opts.WipeBefore {
		if _, err := w.Wipe(devicePath, DefaultBlockSize); err != nil {
			return nil, err
		}
	}

	w.log.WithFields(logrus.Fields{"image": imagePath, "bytes": imageSize, "device": devicePath}).Info("writing image to device")

	bytesWritten, err := w.copyImage(imagePath, devicePath, imageSize)
	if err != nil {
		return nil, err
	}

	unix.Sync()

	result := &Result{
		Success:          true,
		BytesWritten:     bytesWritten,
		SourceHash:       sourceHash,
		VerificationMode: mode,
	}

	if mode == types.VerifySkip {
		result.VerificationResult = types.VerificationSkipped
		return result, nil
	}

	w.log.WithFields(logrus.Fields{"mode": mode, "bytes": verifyBytes}).Info("verifying write")
	deviceHash, err := computeDeviceHash(devicePath, verifyBytes, w.blockSize)
	if err != nil {
		return nil, err
	}
	result.DeviceHash = deviceHash

	if deviceHash == sourceHash {
		result.VerificationResult = types.VerificationMatch
		w.log.Info("hash verification passed")
		return result, nil
	}

	result.VerificationResult = types.VerificationMismatch
	result.Success = false
	w.log.WithFields(logrus.Fields{"expected": sourceHash, "actual": deviceHash}).Error("hash verification failed")
	return result, errs.New(errs.KindHashMismatch,
		"hash verification failed for "+devicePath+": the card may be defective or a ghost write occurred")
}

func (w *Writer) copyImage(imagePath, devicePath string, imageSize int64) (int64, error) {
	src, err := os.Open(imagePath)
	if err != nil {
		return 0, errs.New(errs.KindImageNotFound, "image file not found: "+imagePath)
	}
	defer src.Close()

	dst, err := os.OpenFile(devicePath, os.O_WRONLY, 0)
	if err != nil {
		if os.IsPermission(err) {
			return 0, errs.New(errs.KindWritePermissionDenied,
				"permission denied writing to device: "+devicePath+". Try running with elevated privileges.")
		}
		return 0, errs.Wrap(errs.KindWriteIOError, "error opening device for write "+devicePath, err)
	}
	defer dst.Close()

	buf := make([]byte, w.blockSize)
	var written int64
	for written < imageSize {
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, writeErr := dst.Write(buf[:n]); writeErr != nil {
				return written, errs.Wrap(errs.KindWriteIOError, "error writing to "+devicePath, writeErr)
			}
			written += int64(n)
			if written%(10*1024*1024) < int64(w.blockSize) {
				w.log.WithFields(logrus.Fields{"written": written, "total": imageSize}).Debug("write progress")
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return written, errs.Wrap(errs.KindWriteIOError, "error reading image "+imagePath, readErr)
		}
	}

	if err := dst.Sync(); err != nil {
		return written, errs.Wrap(errs.KindWriteIOError, "error syncing device "+devicePath, err)
	}
	w.log.WithField("bytes", written).Info("write complete")
	return written, nil
}
