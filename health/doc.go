// Package health reports the state of bus, broker and transport components.
//
// Components describe themselves with a Status. A Monitor collects statuses,
// either pushed with Update or pulled from checks registered with Register,
// and aggregates them: any unhealthy component makes the whole unhealthy, any
// degraded one makes it degraded.
package health
