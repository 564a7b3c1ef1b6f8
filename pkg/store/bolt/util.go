package bolt

import "os"

func ensureDir(dir string) error {
	return os.MkdirAll(dir, 0o755)
}

func statSize(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}
