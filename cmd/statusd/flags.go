package main

import "time"

// GlobalFlags holds the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	EnvFile    string
}

// APIFlags locate a running statusd API.
type APIFlags struct {
	APIUrl     string
	APITimeout time.Duration
	Insecure   bool
}

type ServeFlags struct {
	ConfigPath string
	EnvFile    string
	Listen     string
}

type OpenFlags struct {
	Name string
	APIFlags
}

type ResetFlags struct {
	Yes bool
	APIFlags
}
