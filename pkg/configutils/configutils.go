package configutils

import (
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/viper"
)

// ImportKey is the config value listing other files to merge underneath the
// current one.
var ImportKey = "imports"

// ResolveAndMergeFile reads filePath from the OS filesystem, resolves its
// imports and merges everything into v.
func ResolveAndMergeFile(v *viper.Viper, filePath string) error {
	return ResolveAndMergeFileFs(afero.NewOsFs(), v, filePath)
}

// ResolveAndMergeFileFs is ResolveAndMergeFile over an arbitrary afero.Fs.
// Imported files are merged first so the importing file wins on conflicts.
func ResolveAndMergeFileFs(fs afero.Fs, v *viper.Viper, filePath string) error {
	if _, err := fs.Stat(filePath); err != nil {
		return err
	}

	configType, err := configTypeOf(filePath)
	if err != nil {
		return err
	}

	v.SetFs(fs)
	v.SetConfigType(configType)
	v.SetConfigFile(filePath)
	if err := v.ReadInConfig(); err != nil {
		return err
	}

	r := &resolver{fs: fs, visited: map[string]struct{}{}}
	if err := r.walk(v); err != nil {
		return fmt.Errorf("could not resolve configuration imports: %w", err)
	}

	for _, path := range append(r.order, v.ConfigFileUsed()) {
		if err := mergeConfigFile(fs, v, path); err != nil {
			return fmt.Errorf("merging config %s: %w", path, err)
		}
	}
	return nil
}

func configTypeOf(filePath string) (string, error) {
	ext := strings.ToLower(filepath.Ext(filePath))
	if ext == "" {
		return "", errors.New("configuration file has no extension")
	}
	for _, e := range viper.SupportedExts {
		if ext[1:] == e {
			return e, nil
		}
	}
	return "", fmt.Errorf("unsupported configuration file extension: %s", ext)
}

// resolver performs a DFS over the import graph. visited is filled in
// pre-order to break cycles, order is filled in post-order so children are
// merged before their parents.
type resolver struct {
	fs      afero.Fs
	visited map[string]struct{}
	order   []string
}

func (r *resolver) walk(v *viper.Viper) error {
	for _, imp := range v.GetStringSlice(ImportKey) {
		if imp == "" {
			continue
		}

		path := filepath.Clean(imp)
		if !filepath.IsAbs(imp) {
			path = filepath.Join(filepath.Dir(v.ConfigFileUsed()), imp)
		}
		if _, err := r.fs.Stat(path); err != nil {
			return err
		}
		if _, ok := r.visited[path]; ok {
			continue
		}
		r.visited[path] = struct{}{}

		child := viper.New()
		child.SetFs(r.fs)
		child.SetConfigFile(path)
		if err := child.ReadInConfig(); err != nil {
			return err
		}
		if err := r.walk(child); err != nil {
			return err
		}
		r.order = append(r.order, path)
	}
	return nil
}

func mergeConfigFile(fs afero.Fs, v *viper.Viper, filePath string) error {
	f, err := fs.Open(filePath)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	return v.MergeConfig(f)
}

// BindEnvsRecursive binds an environment variable for every mapstructure key
// reachable from iface, so AutomaticEnv overrides also reach nested keys that
// never appear in a config file.
func BindEnvsRecursive(v *viper.Viper, iface interface{}, path string) error {
	val := reflect.ValueOf(iface).Elem()
	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		tag := typ.Field(i).Tag.Get("mapstructure")
		if tag == "" || tag == "-" {
			continue
		}
		name := strings.Split(tag, ",")[0]
		squash := strings.Contains(tag, ",squash")

		fullPath := name
		if path != "" && name != "" {
			fullPath = path + "." + name
		} else if name == "" {
			fullPath = path
		}

		field := val.Field(i)
		if field.Kind() == reflect.Ptr {
			if field.IsNil() && field.Type().Elem().Kind() == reflect.Struct {
				field.Set(reflect.New(field.Type().Elem()))
			}
			field = field.Elem()
		}

		if field.Kind() == reflect.Struct {
			if err := BindEnvsRecursive(v, field.Addr().Interface(), fullPath); err != nil {
				return err
			}
			if squash {
				continue
			}
		}

		if fullPath == "" {
			continue
		}
		if err := v.BindEnv(fullPath); err != nil {
			return fmt.Errorf("failed to bind environment variable: %w", err)
		}
	}
	return nil
}
