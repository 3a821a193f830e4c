package main

const (
	versionName   = "governor"
	versionNumber = "0.1.0"
)
