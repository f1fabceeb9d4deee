// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"flag"
	"fmt"
	"reflect"
	"sort"
	"strconv"

	"github.com/BurntSushi/toml"

	"github.com/xv6go/kmem/pkg/kernel"
	"github.com/xv6go/kmem/pkg/pgalloc"
	"github.com/xv6go/kmem/pkg/refs"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	def := kernel.DefaultConfig()

	// Debugging flags.
	flagSet.String("config", "", "path to a TOML file whose [flags] table supplies flags not set on the command line.")
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.String("log", "", "file path where internal debug information is written, default is stderr. %COMMAND% and %TIMESTAMP% are expanded.")
	flagSet.String("log-format", "text", "log format: text (default) or json.")
	flagSet.Bool("alsologtostderr", false, "send log messages to stderr as well as to --log.")
	flagSet.Var(leakModePtr(refs.NoLeakChecking), "ref-leak-mode", "sets reference leak check mode: disabled (default), log-names, log-traces, panic.")

	// Machine flags.
	flagSet.Int("ncpu", def.NCPU, "number of simulated CPUs.")
	flagSet.Var(addressPtr(def.PhysTop), "phys-top", "address one past the end of simulated RAM.")
	flagSet.Var(addressPtr(def.KernelEnd), "kernel-end", "first address past the kernel image.")
	flagSet.Int("nvma", def.NVMA, "capacity of the VMA table.")
	flagSet.Var(freePolicyPtr(def.FreePolicy), "free-policy", "where freed frames go: home (default) or current.")
	flagSet.Var(addressPtr(def.MmapBase), "mmap-base", "address below which mappings are placed.")
}

func leakModePtr(v refs.LeakMode) *refs.LeakMode {
	return &v
}

func freePolicyPtr(v pgalloc.FreePolicy) *pgalloc.FreePolicy {
	return &v
}

// getFlag returns the typed value held by a registered flag.
func getFlag(fl *flag.Flag) any {
	return fl.Value.(flag.Getter).Get()
}

// NewFromFlags creates a new Config with values coming from command line flags
// and, for flags that were not set explicitly, from the --config file.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}

	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()

	// Iterate over the Config fields and set the values from the flags.
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		x := reflect.ValueOf(getFlag(fl))
		obj.Field(i).Set(x)
	}

	if conf.ConfigFile != "" {
		if err := conf.loadFile(flagSet, conf.ConfigFile); err != nil {
			return nil, err
		}
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// fileConfig is the layout of a --config file.
type fileConfig struct {
	Flags map[string]any `toml:"flags"`
}

// loadFile applies the [flags] table of the TOML file at path. Flags given on
// the command line take precedence over the file.
func (c *Config) loadFile(flagSet *flag.FlagSet, path string) error {
	var fc fileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return fmt.Errorf("error reading config file %q: %w", path, err)
	}

	explicit := make(map[string]bool)
	flagSet.Visit(func(fl *flag.Flag) {
		explicit[fl.Name] = true
	})

	names := make([]string, 0, len(fc.Flags))
	for name := range fc.Flags {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if name == "config" {
			return fmt.Errorf("config file %q cannot set flag %q", path, name)
		}
		if explicit[name] {
			continue
		}
		if err := c.set(flagSet, name, fmt.Sprint(fc.Flags[name])); err != nil {
			return fmt.Errorf("config file %q: %w", path, err)
		}
	}
	return nil
}

// ToFlags returns a slice of flags that correspond to the given Config.
func (c *Config) ToFlags() []string {
	var rv []string

	// Construct a temporary set for default plumbing.
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		val := getVal(obj.Field(i))

		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if val == fl.DefValue {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", fl.Name, val))
	}
	return rv
}

// Override writes a new value to a flag.
func (c *Config) Override(flagSet *flag.FlagSet, name string, value string) error {
	if err := c.set(flagSet, name, value); err != nil {
		return err
	}
	// Validates the config again to ensure it's left in a consistent state.
	return c.validate()
}

// set writes a new value to a flag without validating the result.
func (c *Config) set(flagSet *flag.FlagSet, name string, value string) error {
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		fieldName, ok := f.Tag.Lookup("flag")
		if !ok || fieldName != name {
			// Not a flag field, or flag name doesn't match.
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			// Flag must exist if there is a field match above.
			panic(fmt.Sprintf("Flag %q not found", name))
		}

		// Use flag to convert the string value to the underlying flag type, using
		// the same rules as the command-line for consistency.
		if err := fl.Value.Set(value); err != nil {
			return fmt.Errorf("error setting flag %s=%q: %w", name, value, err)
		}
		x := reflect.ValueOf(getFlag(fl))
		obj.Field(i).Set(x)
		return nil
	}
	return fmt.Errorf("flag %q not found. Cannot set it to %q", name, value)
}

func getVal(field reflect.Value) string {
	if str, ok := field.Addr().Interface().(fmt.Stringer); ok {
		return str.String()
	}
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(field.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(field.Uint(), 10)
	case reflect.String:
		return field.String()
	default:
		panic("unknown type " + field.Kind().String())
	}
}
