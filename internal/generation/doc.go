// Package generation contains the clients for the external model services
// the pipeline calls: a chat-completion API for story and scene writing, and
// a media synthesis API for reference images, clip jobs, scoring, and final
// assembly. The orchestration layers depend only on the interfaces declared
// here so tests can substitute fakes.
package generation
