// Package redis implements the queue store and the status event forwarder on
// top of Redis.
//
// Key layout, relative to the configured prefix:
//
//	{prefix}:queue:{high|normal|low}  list of envelope JSON, FIFO
//	{prefix}:delayed                  sorted set of task IDs scored by fire time (ms)
//	{prefix}:delayed:data             hash task ID -> envelope JSON
//	{prefix}:delayed:tier             hash task ID -> priority
//	{prefix}:status:{task ID}         status record JSON
//
// Pop and delayed promotion run as Lua scripts so that concurrent workers
// never receive the same envelope twice. Status updates use optimistic
// WATCH/MULTI transactions.
package redis
