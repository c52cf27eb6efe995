/*
Copyright 2019 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package utils

import (
	"os"
	"path/filepath"

	"github.com/gravitational/trace"
)

// EnsureDir makes sure the specified directory exists with the given
// permissions
func EnsureDir(path string, mode os.FileMode) error {
	if err := os.MkdirAll(path, mode); err != nil {
		return trace.ConvertSystemError(err)
	}
	return nil
}

// IsFile returns true if the specified path is an existing regular file
func IsFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// IsDirectory returns true if the specified path is an existing directory
func IsDirectory(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// SymlinkInto creates a symlink to the specified file inside dir, named
// after the file's base name. An existing link is replaced
func SymlinkInto(file, dir string) error {
	link := filepath.Join(dir, filepath.Base(file))
	if err := os.Remove(link); err != nil && !os.IsNotExist(err) {
		return trace.ConvertSystemError(err)
	}
	if err := os.Symlink(file, link); err != nil {
		return trace.ConvertSystemError(err)
	}
	return nil
}
