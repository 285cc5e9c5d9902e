// Package sharing implements share links and user-to-user grants.
//
// # Share links
//
// A link exposes a fixed list of entities to anyone holding its id. It is
// one of three types:
//
//   - permanent: valid until deleted or deactivated
//   - counter: valid for max_access views
//   - time: valid until expires_at
//
// Each public view runs Evaluate inside a store transaction: an inactive
// link is refused, an exhausted counter or a passed expiry switches the
// link off and is refused, otherwise access_count is incremented. Two
// visitors racing for the last counter slot cannot both get it.
//
// Triggerable links also let visitors call a service on one of the listed
// entities. Triggers do not use up views. They do respect expiry.
//
// # Grants
//
// An owner can share a tracked entity with another registered user,
// read-only or triggerable. Reads and service calls go through the
// owner's Home Assistant.
//
// Every mutation is written to the audit log. Deactivations and public
// triggers are sent to the configured notify.Notifier.
package sharing
