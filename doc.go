// Package dispatchcore implements the dispatch core of a multi-platform
// posting bot: admission gating, coalescing, scheduling, retrying and
// metering of generated messages on their way to a downstream chat
// platform. Concrete platform adapters and feature producers are external
// collaborators; this module only owns the decision of whether, when and
// in what shape a message is delivered.
package dispatchcore
