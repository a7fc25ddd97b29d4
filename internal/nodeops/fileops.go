package nodeops

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// imageExts lists the image extensions recognized when deriving
// basenames. Longest first so ".nii.gz" wins over ".nii".
var imageExts = []string{".nii.gz", ".nii", ".mgz", ".mgh", ".img", ".hdr"}

// SplitImageExt splits a path into basename and image extension. Paths
// without a recognized image extension fall back to filepath.Ext.
func SplitImageExt(path string) (base, ext string) {
	name := filepath.Base(path)
	for _, e := range imageExts {
		if strings.HasSuffix(name, e) {
			return strings.TrimSuffix(name, e), e
		}
	}
	ext = filepath.Ext(name)
	return strings.TrimSuffix(name, ext), ext
}

// RenameImage copies an image into destDir under a new basename, keeping
// its extension. A non-empty sidecar is copied alongside as
// <basename>.json. Returns the new image path and the new sidecar path
// (empty when no sidecar was given).
func RenameImage(basename, inFile, sidecar, destDir string) (string, string, error) {
	_, ext := SplitImageExt(inFile)
	imagePath := filepath.Join(destDir, basename+ext)
	if err := CopyFile(inFile, imagePath); err != nil {
		return "", "", fmt.Errorf("rename image: %w", err)
	}

	if sidecar == "" {
		return imagePath, "", nil
	}
	sidecarPath := filepath.Join(destDir, basename+".json")
	if err := CopyFile(sidecar, sidecarPath); err != nil {
		return "", "", fmt.Errorf("rename sidecar: %w", err)
	}
	return imagePath, sidecarPath, nil
}

// RenameTextFile copies a text file into destDir under a new basename,
// keeping its extension.
func RenameTextFile(basename, inFile, destDir string) (string, error) {
	ext := filepath.Ext(inFile)
	destPath := filepath.Join(destDir, basename+ext)
	if err := CopyFile(inFile, destPath); err != nil {
		return "", fmt.Errorf("rename text file: %w", err)
	}
	return destPath, nil
}

// MergeSidecars combines the JSON sidecars associated with the given
// images plus any extra sidecar files into one <basename>.json under
// destDir. A sidecar is associated when <imagebase>.json sits next to
// the image. Earlier files take precedence on key conflicts. Images
// without sidecars contribute nothing; the merged file is written even
// when empty.
func MergeSidecars(images, extras []string, basename, destDir string) (string, error) {
	var sidecars []string
	for _, img := range images {
		base, _ := SplitImageExt(img)
		candidate := filepath.Join(filepath.Dir(img), base+".json")
		if _, err := os.Stat(candidate); err == nil {
			sidecars = append(sidecars, candidate)
		}
	}
	sidecars = append(sidecars, extras...)

	merged := map[string]any{}
	for i := len(sidecars) - 1; i >= 0; i-- {
		data, err := os.ReadFile(sidecars[i])
		if err != nil {
			return "", fmt.Errorf("merge sidecars: %w", err)
		}
		var doc map[string]any
		if err := json.Unmarshal(data, &doc); err != nil {
			return "", fmt.Errorf("merge sidecars: %s: %w", sidecars[i], err)
		}
		for k, v := range doc {
			merged[k] = v
		}
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("merge sidecars: %w", err)
	}
	outPath := filepath.Join(destDir, basename+".json")
	data, err := json.MarshalIndent(merged, "", "    ")
	if err != nil {
		return "", fmt.Errorf("merge sidecars: %w", err)
	}
	if err := os.WriteFile(outPath, data, 0o644); err != nil {
		return "", fmt.Errorf("merge sidecars: %w", err)
	}
	return outPath, nil
}

// CopyFile copies src to dst, creating parent directories as needed.
// Streams so multi-gigabyte volumes never load into memory.
func CopyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
