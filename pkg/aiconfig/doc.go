// Package aiconfig stores AI providers and the model configurations that use
// them. Provider API keys are encrypted with the credential cipher. Exactly
// zero or one config is the default, and a provider cannot be deleted while
// a config still points at it.
package aiconfig
