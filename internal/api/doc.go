// Package api exposes batch jobs, their results and single tasks over HTTP.
// Every /api route requires a bearer token; the token's subject is the
// owner of the jobs and tasks created with it.
package api
