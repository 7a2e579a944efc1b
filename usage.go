// # Usage
//
//	usage: regfront serve [-addr localhost:8080] [-adminaddr localhost:8081]
//	       regfront quickstart [name url]
//	       regfront describe >regfront.conf
//	       regfront testconfig regfront.conf
//	       regfront registry list
//	       regfront registry add name url [user]
//	       regfront registry remove name
//	       regfront registry probe name
//	       regfront version
//	  -config string
//	    	path to configuration file (default "regfront.conf")
//	  -debug
//	    	enable debug logging, e.g. printing HTTP requests to the dashboard and to registries
package main
