package packet

import (
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"
)

// The MMAP shape is a sub-framing used after a FRCE record to stream an
// entire file's contents without holding them in memory: a STAT record
// announces the file's size and permissions, one or more DATA records carry
// chunks of the file, and a DONE record terminates the stream. The receiver
// spools DATA chunks into a temporary file, which the protocol Machine
// (receiveForcedFull) then gives the announced permissions and renames
// over the target; the spooled file is not memory-mapped.

var (
	mmapTagStat = Tag{'S', 'T', 'A', 'T'}
	mmapTagData = Tag{'D', 'A', 'T', 'A'}
	mmapTagDone = Tag{'D', 'O', 'N', 'E'}
)

const mmapStatBodySize = 8 + 4 // file size + permissions

// mmapChunkSize is the size of each DATA chunk written by WriteMMAPFile. It
// bounds how much of the source file is held in memory at once.
const mmapChunkSize = 256 * 1024

// WriteMMAPFile streams the contents of the file at path as an MMAP
// sub-framed sequence: STAT, then as many DATA chunks as needed, then DONE.
func (c *Codec) WriteMMAPFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "unable to open file for MMAP transfer")
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return errors.Wrap(err, "unable to stat file for MMAP transfer")
	}

	var statBody [mmapStatBodySize]byte
	binary.BigEndian.PutUint64(statBody[0:8], uint64(info.Size()))
	binary.BigEndian.PutUint32(statBody[8:12], uint32(info.Mode().Perm()))
	if err := c.writeStatic(mmapTagStat, statBody[:]); err != nil {
		return errors.Wrap(err, "unable to write MMAP STAT")
	}

	chunk := make([]byte, mmapChunkSize)
	for {
		n, readErr := file.Read(chunk)
		if n > 0 {
			var header [8]byte
			binary.BigEndian.PutUint64(header[:], uint64(n))
			if err := c.writeStatic(mmapTagData, header[:]); err != nil {
				return errors.Wrap(err, "unable to write MMAP DATA header")
			}
			if _, err := c.writer.Write(chunk[:n]); err != nil {
				return errors.Wrap(err, "unable to write MMAP DATA payload")
			}
		}
		if readErr == io.EOF {
			break
		} else if readErr != nil {
			return errors.Wrap(readErr, "unable to read source file for MMAP transfer")
		}
	}

	return c.writeStatic(mmapTagDone, nil)
}

// ReadMMAPFile reads an MMAP sub-framed stream (as written by
// WriteMMAPFile) and spools it into a fresh temporary file in dir,
// returning that file's path. The caller is responsible for moving the
// temporary file into place (typically via internal/filesystem's atomic
// replace) and removing it on error.
func (c *Codec) ReadMMAPFile(dir string) (path string, permissions os.FileMode, err error) {
	tag, err := c.readTag()
	if err != nil {
		return "", 0, errors.Wrap(err, "unable to read MMAP STAT tag")
	}
	if tag != mmapTagStat {
		return "", 0, errors.New("expected MMAP STAT record")
	}

	statBody := c.bufferWithSize(mmapStatBodySize)
	if _, readErr := io.ReadFull(c.reader, statBody); readErr != nil {
		return "", 0, errors.Wrap(readErr, "unable to read MMAP STAT body")
	}
	expectedSize := binary.BigEndian.Uint64(statBody[0:8])
	permissions = os.FileMode(binary.BigEndian.Uint32(statBody[8:12]))

	temporary, err := os.CreateTemp(dir, "mmap-transfer-*")
	if err != nil {
		return "", 0, errors.Wrap(err, "unable to create temporary file for MMAP transfer")
	}
	defer temporary.Close()

	var received uint64
	for {
		chunkTag, readErr := c.readTag()
		if readErr != nil {
			os.Remove(temporary.Name())
			return "", 0, errors.Wrap(readErr, "unable to read MMAP chunk tag")
		}

		if chunkTag == mmapTagDone {
			break
		} else if chunkTag != mmapTagData {
			os.Remove(temporary.Name())
			return "", 0, errors.New("expected MMAP DATA or DONE record")
		}

		header := c.bufferWithSize(8)
		if _, readErr := io.ReadFull(c.reader, header); readErr != nil {
			os.Remove(temporary.Name())
			return "", 0, errors.Wrap(readErr, "unable to read MMAP DATA header")
		}
		length := binary.BigEndian.Uint64(header)
		if length > maximumDynamicBodySize {
			os.Remove(temporary.Name())
			return "", 0, errors.New("MMAP DATA chunk exceeds maximum size")
		}

		chunk := c.bufferWithSize(int(length))
		if _, readErr := io.ReadFull(c.reader, chunk); readErr != nil {
			os.Remove(temporary.Name())
			return "", 0, errors.Wrap(readErr, "unable to read MMAP DATA payload")
		}
		if _, writeErr := temporary.Write(chunk); writeErr != nil {
			os.Remove(temporary.Name())
			return "", 0, errors.Wrap(writeErr, "unable to spool MMAP DATA payload")
		}
		received += length
	}

	if received != expectedSize {
		os.Remove(temporary.Name())
		return "", 0, errors.Errorf("MMAP transfer size mismatch: received %d, expected %d", received, expectedSize)
	}

	return temporary.Name(), permissions, nil
}
