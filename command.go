package atemnet

import "github.com/atemkit/atemnet/internal/dispatch"

// CommandType is the interface an application's decoded command values
// implement (§6 "Codec registry"). It exists so application code can
// define its own command catalog without importing an internal package.
type CommandType = dispatch.Command

// Codec decodes one command type's wire body, registered against a
// Client's codec registry with Registry.Register (§6).
type Codec = dispatch.Codec

// Collaborator is the data-transfer collaborator fixed by §6: a
// component layered over the core connection that claims specific
// commands (most often ones assembling a multi-packet transfer) before
// the remainder reach OnReceive.
type Collaborator = dispatch.Collaborator

// Command is a decoded application command value, an alias of
// CommandType kept for call sites that read more naturally with the
// shorter name.
type Command = dispatch.Command
