// Package conversation holds the chat data model, the two-tier conversation
// cache with its durable store, the active-conversation switcher, and the
// remote conversations API client.
package conversation
