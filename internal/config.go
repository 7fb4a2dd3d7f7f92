// Copyright © 2020 Genome Research Limited
// Author: Sendu Bala <sb10@sanger.ac.uk>.
//
//  This file is part of stackup.
//
//  stackup is free software: you can redistribute it and/or modify
//  it under the terms of the GNU Lesser General Public License as published by
//  the Free Software Foundation, either version 3 of the License, or
//  (at your option) any later version.
//
//  stackup is distributed in the hope that it will be useful,
//  but WITHOUT ANY WARRANTY; without even the implied warranty of
//  MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
//  GNU Lesser General Public License for more details.
//
//  You should have received a copy of the GNU Lesser General Public License
//  along with stackup. If not, see <http://www.gnu.org/licenses/>.

package internal

// this file implements the config system used by the cmd package

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/creasty/defaults"
	"github.com/inconshreveable/log15"
	"github.com/jinzhu/configor"
	"github.com/olekukonko/tablewriter"
)

const (
	configCommonBasename = ".stackup_config.yml"

	// ConfigDirEnvVar names the environment variable that can point to a
	// directory containing a config file.
	ConfigDirEnvVar = "STACKUP_CONFIG_DIR"

	// ConfigEnvPrefix is the prefix of environment variables that set config
	// values, eg. STACKUP_FLAVOR.
	ConfigEnvPrefix = "STACKUP"

	// ConfigSourceEnvVar is a config value source
	ConfigSourceEnvVar = "env var"

	// ConfigSourceDefault is a config value source
	ConfigSourceDefault = "default"

	sourcesProperty = "sources"
	masked          = "********"
)

// secretProperties are not displayed by Config.String().
var secretProperties = map[string]bool{
	"Password":      true,
	"AdminPassword": true,
}

// openStackEnvVars are the standard OpenStack client environment variables
// that fill in credentials not otherwise configured.
var openStackEnvVars = []struct {
	property string
	envVar   string
}{
	{"AuthURL", "OS_AUTH_URL"},
	{"Username", "OS_USERNAME"},
	{"Password", "OS_PASSWORD"},
	{"TenantName", "OS_TENANT_NAME"},
	{"TenantName", "OS_PROJECT_NAME"},
	{"TenantID", "OS_TENANT_ID"},
	{"TenantID", "OS_PROJECT_ID"},
	{"DomainName", "OS_USER_DOMAIN_NAME"},
	{"DomainName", "OS_DOMAIN_NAME"},
	{"Region", "OS_REGION_NAME"},
}

// Config holds the configuration options for creating and installing
// OpenStack all-in-one deployments.
type Config struct {
	AuthURL          string `default:""`
	Username         string `default:""`
	Password         string `default:""`
	TenantName       string `default:""`
	TenantID         string `default:""`
	DomainName       string `default:""`
	Region           string `default:"RegionOne"`
	PoolName         string `default:"nova"`
	Image            string `default:""`
	Flavor           string `default:"3"`
	KeyPair          string `default:""`
	Install          string `default:"epel"`
	SSHUser          string `default:"root"`
	SSHPort          int    `default:"22"`
	SSHKeyFile       string `default:""`
	SSHTransport     string `default:"openssh"`
	SSHBinary        string `default:"ssh"`
	ActiveAttempts   int    `default:"30"`
	ActiveInterval   int    `default:"10"`
	PortAttempts     int    `default:"30"`
	PortInterval     int    `default:"10"`
	ScriptTimeout    int    `default:"180"`
	ProvisionTimeout int    `default:"0"`
	StateDir         string `default:"~/.stackup"`
	DbFile           string `default:"deployments.db"`
	TemplateDir      string `default:""`
	AdminPassword    string `default:""`
	CinderDevice     string `default:"/dev/vdb"`
	PackstackIndex   string `default:"http://10.16.16.34/rpms/RPMS/noarch"`
	CirrosURL        string `default:"https://launchpad.net/cirros/trunk/0.3.0/+download/cirros-0.3.0-x86_64-disk.img"`
	RHELRepo         string `default:"http://download.lab.bos.redhat.com/released/RHEL-6/6.3/Server/x86_64/os/"`
	RHELOptionalRepo string `default:"http://download.lab.bos.redhat.com/released/RHEL-6/6.3/Server/optional/x86_64/os/"`
	RHOSRepo         string `default:"http://download.lab.bos.redhat.com/rel-eng/OpenStack/Folsom/latest/x86_64/os/"`
	EPELRelease      string `default:"http://download.fedoraproject.org/pub/epel/6/i386/epel-release-6-7.noarch.rpm"`
	sources          map[string]string
}

// merge compares existing to new Config values, and for each one that has
// changed, sets the given source on the changed property in our sources,
// and sets the new value on ourselves.
func (c *Config) merge(new *Config, source string) {
	v := reflect.ValueOf(*c)
	typeOfC := v.Type()
	vNew := reflect.ValueOf(*new)

	if c.sources == nil {
		c.sources = make(map[string]string)
	}

	for i := 0; i < v.NumField(); i++ {
		property := typeOfC.Field(i).Name
		if property == sourcesProperty {
			continue
		}

		if vNew.Field(i).Interface() != v.Field(i).Interface() {
			c.sources[property] = source
			setField(reflect.ValueOf(c).Elem().Field(i), vNew.Field(i))
		}
	}
}

// clone makes a new Config with our values.
func (c *Config) clone() *Config {
	new := &Config{}

	v := reflect.ValueOf(*c)
	typeOfC := v.Type()
	for i := 0; i < v.NumField(); i++ {
		if typeOfC.Field(i).Name == sourcesProperty {
			continue
		}
		setField(reflect.ValueOf(new).Elem().Field(i), v.Field(i))
	}

	new.sources = make(map[string]string)
	for key, val := range c.sources {
		new.sources[key] = val
	}

	return new
}

// setField sets the settable dst to the value of src, for the kinds of field
// Config has.
func setField(dst, src reflect.Value) {
	switch dst.Kind() {
	case reflect.String:
		dst.SetString(src.String())
	case reflect.Int:
		dst.SetInt(src.Int())
	case reflect.Bool:
		dst.SetBool(src.Bool())
	}
}

// fillFromOpenStackEnv sets any empty credential property from the standard
// OS_* environment variables.
func (c *Config) fillFromOpenStackEnv() {
	if c.sources == nil {
		c.sources = make(map[string]string)
	}

	for _, pair := range openStackEnvVars {
		field := reflect.ValueOf(c).Elem().FieldByName(pair.property)
		val := os.Getenv(pair.envVar)
		if val == "" {
			continue
		}

		// Region has a default that the environment should override
		if field.String() != "" && !(pair.property == "Region" && c.Source("Region") == ConfigSourceDefault) {
			continue
		}

		field.SetString(val)
		c.sources[pair.property] = ConfigSourceEnvVar + " " + pair.envVar
	}
}

// Source returns where the value of a Config field was defined.
func (c Config) Source(field string) string {
	if c.sources == nil {
		return ConfigSourceDefault
	}
	source, set := c.sources[field]
	if !set {
		return ConfigSourceDefault
	}
	return source
}

// String returns a table of every property, its value and where that value
// came from. Passwords are masked.
func (c Config) String() string {
	v := reflect.ValueOf(c)
	typeOfC := v.Type()

	tableString := &strings.Builder{}
	table := tablewriter.NewWriter(tableString)
	table.SetHeader([]string{"Config", "Value", "Source"})
	table.SetAlignment(tablewriter.ALIGN_LEFT)

	for i := 0; i < v.NumField(); i++ {
		property := typeOfC.Field(i).Name
		if property == sourcesProperty {
			continue
		}

		value := fmt.Sprintf("%v", v.Field(i).Interface())
		if secretProperties[property] && value != "" {
			value = masked
		}

		table.Append([]string{property, value, c.Source(property)})
	}

	table.Render()
	return tableString.String()
}

// DbPath returns the absolute path to the deployment database.
func (c Config) DbPath() string {
	if filepath.IsAbs(c.DbFile) {
		return c.DbFile
	}
	return filepath.Join(c.StateDir, c.DbFile)
}

/*
ConfigLoad loads configuration settings from files and environment
variables. Note, this function exits on error, since without config we can't
do anything.

We prefer settings in the config file in the current dir over the config file
in your home directory over the config file in the dir pointed to by
STACKUP_CONFIG_DIR. Settings can also be given by environment variables named
STACKUP_<setting name in caps>, eg.

    export STACKUP_FLAVOR="m1.large"

Finally, any OpenStack credential still unset is taken from the usual OS_*
environment variables, eg. OS_AUTH_URL and OS_PASSWORD.
*/
func ConfigLoad(logger log15.Logger) Config {
	config, err := configLoad()
	if err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}
	return config
}

// configLoad does the work of ConfigLoad(), returning errors instead of
// exiting.
func configLoad() (Config, error) {
	pwd, err := os.Getwd()
	if err != nil {
		return Config{}, err
	}

	err = os.Setenv("CONFIGOR_ENV_PREFIX", ConfigEnvPrefix)
	if err != nil {
		return Config{}, err
	}

	// because we want to know the source of every value, we can't take
	// advantage of configor.Load() being able to take all env vars and config
	// files at once. We do it repeatedly and merge results instead
	config := &Config{}
	if err = defaults.Set(config); err != nil {
		return Config{}, err
	}

	configEnv := &Config{}
	if err = configor.Load(configEnv); err != nil {
		return Config{}, err
	}
	config.merge(configEnv, ConfigSourceEnvVar)

	if configDir := os.Getenv(ConfigDirEnvVar); configDir != "" {
		if err = configLoadFromFile(config, filepath.Join(configDir, configCommonBasename)); err != nil {
			return Config{}, err
		}
	}

	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return Config{}, fmt.Errorf("could not find home dir: %v", err)
	}
	if err = configLoadFromFile(config, filepath.Join(home, configCommonBasename)); err != nil {
		return Config{}, err
	}

	if pwd != home {
		if err = configLoadFromFile(config, filepath.Join(pwd, configCommonBasename)); err != nil {
			return Config{}, err
		}
	}

	config.fillFromOpenStackEnv()

	config.StateDir = TildaToHome(config.StateDir)
	config.SSHKeyFile = TildaToHome(config.SSHKeyFile)
	config.TemplateDir = TildaToHome(config.TemplateDir)

	return *config, nil
}

// configLoadFromFile merges in the settings of the config file at path, if it
// exists.
func configLoadFromFile(config *Config, path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}

	configFile := config.clone()
	if err := configor.Load(configFile, path); err != nil {
		return fmt.Errorf("failed to load config file %s: %s", path, err)
	}
	config.merge(configFile, path)
	return nil
}
