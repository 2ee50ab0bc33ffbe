// Package engine assembles the recording session, voice turn pipeline,
// playback queue, and conversation cache into one session engine with a
// single construct/dispose lifecycle.
package engine
