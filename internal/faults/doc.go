// Package faults defines the typed error taxonomy shared by the session engine.
package faults
