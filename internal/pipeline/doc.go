// Package pipeline holds the clients for the speech recognition, reply
// generation, and speech synthesis collaborators, and the orchestrator
// that drives one voice turn through them.
package pipeline
