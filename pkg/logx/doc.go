// Package logx provides the bot's structured logging facade over zerolog.
//
// A single Service owns the active sinks (console, file, telegram) and can
// swap them at runtime via Apply(); Loggers handed out by the Service stay
// live across swaps.
package logx
