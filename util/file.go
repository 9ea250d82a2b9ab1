package util

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/viant/afs"
	"github.com/viant/afs/option"
	"github.com/viant/afs/storage"

	_ "github.com/viant/afsc/s3"
)

// FileSystem is the shared abstract file system. Paths can be plain OS paths
// or URLs with a scheme (e.g. s3://bucket/key), so task data, feature caches
// and checkpoints can live on object storage as well as on local disk.
var FileSystem = afs.New()

const partSize = 64 * 1024 * 1024

func ReadFileBytes(filename string) ([]byte, error) {
	file, err := FileSystem.OpenURL(context.Background(), filename)
	if err != nil {
		return nil, err
	}
	defer func(file io.Closer) {
		err = errors.Join(err, file.Close())
	}(file)

	buf := &bytes.Buffer{}
	_, readErr := io.Copy(buf, file)
	if readErr != nil {
		return nil, readErr
	}
	return buf.Bytes(), err
}

func OpenFile(filename string) (io.ReadCloser, error) {
	return FileSystem.OpenURL(context.Background(), filename)
}

// ReadLine returns a single line (without the ending \n) from the input
// buffered reader. This is needed to avoid the 65K char line limit.
func ReadLine(r *bufio.Reader) ([]byte, error) {
	var (
		isPrefix = true
		err      error
		line, ln []byte
	)
	for isPrefix && err == nil {
		line, isPrefix, err = r.ReadLine()
		ln = append(ln, line...)
	}
	return ln, err
}

func getPathType(path string) string {
	if strings.HasPrefix(path, "s3://") {
		return "S3"
	}
	return "os"
}

// PathJoinSafe wrapper around filepath.Join to ensure that paths are correctly constructed.
// If the path is a normal OS path, just use filepath.Join.
// If the path is S3, trim any trailing slashes and construct it manually from the components
// so that double slashes (e.g. s3://) are preserved.
func PathJoinSafe(elem ...string) string {
	var path string

	switch getPathType(elem[0]) {
	case "S3":
		basePath := strings.TrimSuffix(elem[0], "/")
		path = basePath + string(filepath.Separator) + filepath.Join(elem[1:]...)
	default:
		path = filepath.Join(elem...)
	}
	return path
}

func CopyFile(from string, to string) error {
	return FileSystem.Copy(context.Background(), from, to, option.NewSource(option.NewStream(partSize, 0)), option.NewDest(option.NewSkipChecksum(true)))
}

func WalkDir() func(ctx context.Context, URL string, handler storage.OnVisit, options ...storage.Option) error {
	return FileSystem.Walk
}

func DeleteFile(filename string) error {
	return FileSystem.Delete(context.Background(), filename)
}

func CreateDir(path string) error {
	return FileSystem.Create(context.Background(), path, os.ModePerm, true)
}

func FileExists(filename string) (bool, error) {
	return FileSystem.Exists(context.Background(), filename)
}

// ListFiles returns the names of the regular files directly under path.
func ListFiles(path string) ([]string, error) {
	objects, err := FileSystem.List(context.Background(), path)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, object := range objects {
		if !object.IsDir() {
			names = append(names, object.Name())
		}
	}
	return names, nil
}

func NewFileWriter(filename string) (io.WriteCloser, error) {
	exists, err := FileExists(filename)
	if err != nil {
		return nil, err
	}
	if exists {
		if err = FileSystem.Delete(context.Background(), filename); err != nil {
			return nil, err
		}
	}
	return FileSystem.NewWriter(context.Background(), filename, 0o644, option.NewSkipChecksum(true))
}
